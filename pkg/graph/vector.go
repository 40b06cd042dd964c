package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeVector renders an embedding in pgvector's text format
// ("[0.1,0.2,...]"). Returns "" for a nil/empty embedding, which callers
// store as NULL.
func EncodeVector(embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// DecodeVector parses pgvector's text format back into an embedding.
func DecodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	embedding := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		embedding[i] = float32(f)
	}
	return embedding, nil
}
