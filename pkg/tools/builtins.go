package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	httpToolTimeout  = 15 * time.Second
	httpToolMaxBytes = 1 << 20
	// toolOutputLimit bounds what a tool result feeds back into the LLM
	// context.
	toolOutputLimit = 8000
	waitMaxSeconds  = 30
)

// RegisterBuiltins installs the built-in tool set into the registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Tool{
		waitTool(),
		timestampTool(),
		httpRequestTool(),
		readFileTool(),
		writeFileTool(),
		searchKnowledgeTool(),
		listNamespacesTool(),
		updateMyMemoryTool(),
		ingestDocumentTool(),
		createThreadTool(),
		createTaskTool(),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func waitTool() *Tool {
	return &Tool{
		Key:         "wait",
		Name:        "Wait",
		Description: "Pause for a number of seconds (max 30). Useful when polling for an external change.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"seconds": {"type": "number", "minimum": 0, "description": "Seconds to wait"}
			},
			"required": ["seconds"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Seconds float64 `json:"seconds"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			if params.Seconds > waitMaxSeconds {
				params.Seconds = waitMaxSeconds
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(params.Seconds * float64(time.Second))):
			}
			return map[string]any{"waited": params.Seconds}, nil
		},
	}
}

func timestampTool() *Tool {
	return &Tool{
		Key:         "timestamp",
		Name:        "Timestamp",
		Description: "Return the current UTC time in RFC 3339 format.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			return map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}

func httpRequestTool() *Tool {
	client := &http.Client{Timeout: httpToolTimeout}
	return &Tool{
		Key:         "http_request",
		Name:        "HTTP Request",
		Description: "Make an HTTP request and return the status and response body (truncated to 8000 characters).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Request URL"},
				"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"body": {"type": "string"}
			},
			"required": ["url"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				URL     string            `json:"url"`
				Method  string            `json:"method"`
				Headers map[string]string `json:"headers"`
				Body    string            `json:"body"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			if params.Method == "" {
				params.Method = http.MethodGet
			}

			var body io.Reader
			if params.Body != "" {
				body = strings.NewReader(params.Body)
			}
			req, err := http.NewRequestWithContext(ctx, params.Method, params.URL, body)
			if err != nil {
				return nil, fmt.Errorf("invalid request: %w", err)
			}
			for k, v := range params.Headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, httpToolMaxBytes))
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   truncateOutput(string(data)),
			}, nil
		},
	}
}

func readFileTool() *Tool {
	return &Tool{
		Key:         "read_file",
		Name:        "Read File",
		Description: "Read a text file from the workspace directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"}
			},
			"required": ["path"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			full, err := resolveWorkspacePath(env.FileRoot, params.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
			return map[string]any{"content": truncateOutput(string(data))}, nil
		},
	}
}

func writeFileTool() *Tool {
	return &Tool{
		Key:         "write_file",
		Name:        "Write File",
		Description: "Write a text file into the workspace directory, creating parent directories.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, env *Env) (any, error) {
			var params struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			full, err := resolveWorkspacePath(env.FileRoot, params.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(full, []byte(params.Content), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}
			return map[string]any{"path": params.Path, "bytes": len(params.Content)}, nil
		},
	}
}

// resolveWorkspacePath joins a relative path under the workspace root and
// rejects escapes.
func resolveWorkspacePath(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("file tools are disabled (no workspace directory configured)")
	}
	full := filepath.Join(root, filepath.Clean("/"+rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace directory", rel)
	}
	return full, nil
}

func truncateOutput(s string) string {
	if len(s) <= toolOutputLimit {
		return s
	}
	return s[:toolOutputLimit] + "\n... (truncated)"
}
