package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPruneToolBatches(t *testing.T) {
	thread := &Thread{}
	meta := thread.Meta()

	stale := &ToolBatch{BatchSize: 2, CreatedAt: time.Now().UTC().Add(-2 * time.Hour)}
	stale.AddResult(ToolBatchResult{ToolCallID: "old-1"})
	fresh := &ToolBatch{BatchSize: 2, CreatedAt: time.Now().UTC()}
	meta.PutPendingToolBatch("stale", stale)
	meta.PutPendingToolBatch("fresh", fresh)

	meta.PruneToolBatches(time.Now().UTC().Add(-time.Hour))

	assert.Nil(t, meta.PendingToolBatch("stale"))
	assert.NotNil(t, meta.PendingToolBatch("fresh"))
}

func TestPruneToolBatchesNoEntries(t *testing.T) {
	meta := (&Thread{}).Meta()
	meta.PruneToolBatches(time.Now()) // no batches key, nothing to do
	assert.Nil(t, meta.PendingToolBatch("any"))
}
