package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/processor"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/rag"
	"github.com/parley-ai/parley/test/util"
)

func testConfig() *config.Config {
	qcfg := queue.DefaultConfig()
	qcfg.WorkerCount = 2
	qcfg.PollInterval = 50 * time.Millisecond
	return &config.Config{
		Queue:    qcfg,
		Chunking: rag.DefaultChunkConfig(),
		Routing: config.RoutingConfig{
			HistoryLimit:   config.DefaultHistoryLimit,
			SummarizeEvery: 0,
		},
		Agents: []*agent.Agent{
			{Name: "helper", Instructions: "You are helper."},
		},
	}
}

func newTestInstance(t *testing.T, cfg *config.Config) *Instance {
	t.Helper()
	client := util.SetupTestClient(t)
	inst, err := CreateInstanceWithClient(cfg, client, "test-pod")
	require.NoError(t, err)
	return inst
}

func TestCreateInstanceWiresRegistries(t *testing.T) {
	inst := newTestInstance(t, testConfig())

	_, ok := inst.Agents().Resolve("helper")
	assert.True(t, ok)
	assert.NotEmpty(t, inst.Tools().Keys(), "builtins should be registered")
	assert.NotNil(t, inst.Processors())
	assert.NotNil(t, inst.Pool())
	assert.Equal(t, "test-pod", inst.PodID())
}

func TestRunRequiresThreadRef(t *testing.T) {
	inst := newTestInstance(t, testConfig())

	_, err := inst.Run(context.Background(), models.NewMessagePayload{
		Content: models.TextContent("hi"),
		Sender:  models.Sender{Type: models.SenderTypeUser, Name: "amy"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread.externalId")
}

func TestRunSeedsMaxAgentTurns(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.MaxAgentTurns = 3
	inst := newTestInstance(t, cfg)
	ctx := context.Background()

	h, err := inst.Run(ctx, models.NewMessagePayload{
		Content: models.TextContent("hi"),
		Sender:  models.Sender{Type: models.SenderTypeUser, Name: "amy"},
		Thread:  &models.ThreadRef{ExternalID: "ext-turns"},
	}, nil)
	require.NoError(t, err)
	defer h.Close()

	thread, err := inst.Threads().GetThread(ctx, h.ThreadID())
	require.NoError(t, err)
	assert.Equal(t, 3, thread.Meta().MaxAgentTurns())
}

func TestRunWaitsForTraceCompletion(t *testing.T) {
	inst := newTestInstance(t, testConfig())
	ctx := context.Background()

	var processed atomic.Int32
	inst.Processors().RegisterCustom(models.EventTypeNewMessage, &processor.Custom{
		ShouldProcess: func(ev *models.Event) bool { return true },
		Process: func(ctx context.Context, ev *models.Event, deps *processor.Deps) (*queue.Outcome, error) {
			processed.Add(1)
			return &queue.Outcome{}, nil
		},
	})

	require.NoError(t, inst.Start(ctx))
	defer inst.Stop(ctx)

	h, err := inst.Run(ctx, models.NewMessagePayload{
		Content: models.TextContent("hello"),
		Sender:  models.Sender{Type: models.SenderTypeUser, Name: "amy"},
		Thread:  &models.ThreadRef{ExternalID: "ext-run", Participants: []string{"amy", "helper"}},
	}, nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx))
	assert.Equal(t, int32(1), processed.Load())

	ev, err := inst.Queue().GetEvent(ctx, h.EventID())
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, ev.Status)
}

func TestRunHandleCloseAbandonsRun(t *testing.T) {
	inst := newTestInstance(t, testConfig())
	ctx := context.Background()

	h, err := inst.Run(ctx, models.NewMessagePayload{
		Content: models.TextContent("hi"),
		Sender:  models.Sender{Type: models.SenderTypeUser, Name: "amy"},
		Thread:  &models.ThreadRef{ExternalID: "ext-close"},
	}, nil)
	require.NoError(t, err)

	h.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, h.Wait(waitCtx), context.Canceled)

	// The event stays queued; only the handle detached.
	ev, err := inst.Queue().GetEvent(ctx, h.EventID())
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, ev.Status)
}
