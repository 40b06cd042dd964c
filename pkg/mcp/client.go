// Package mcp connects to Model Context Protocol servers over stdio and
// exposes their tools through the tool registry, alongside the builtins.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/parley-ai/parley/pkg/tools"
	"github.com/parley-ai/parley/pkg/version"
)

const protocolVersion = "2024-11-05"

// ServerConfig describes one MCP server to launch and connect to.
type ServerConfig struct {
	// Name prefixes every tool key from this server.
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// Tools limits which server tools are exposed; empty exposes all.
	Tools []string
}

// Client is one connected MCP server session. Tools are listed once at
// connect time; servers that change their tool set need a reconnect.
type Client struct {
	cfg    ServerConfig
	client *client.Client
	tools  []*tools.Tool
}

// Connect launches the server subprocess, performs the MCP handshake,
// and lists its tools.
func Connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, fmt.Errorf("mcp server needs a name and a command")
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %s: %w", cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MCP server %s: %w", cfg.Name, err)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("listing tools on MCP server %s: %w", cfg.Name, err)
	}

	c := &Client{cfg: cfg, client: mcpClient}
	allowed := filterSet(cfg.Tools)
	for _, serverTool := range listResp.Tools {
		if allowed != nil && !allowed[serverTool.Name] {
			continue
		}
		c.tools = append(c.tools, c.convertTool(serverTool.Name, serverTool.Description, serverTool.InputSchema))
	}

	slog.Info("Connected to MCP server",
		"name", cfg.Name, "command", cfg.Command, "tools", len(c.tools))
	return c, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// Tools returns the converted tools this server exposes.
func (c *Client) Tools() []*tools.Tool { return c.tools }

// Register adds every exposed tool to the registry.
func (c *Client) Register(reg *tools.Registry) error {
	for _, t := range c.tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("registering MCP tool %s: %w", t.Key, err)
		}
	}
	return nil
}

// Close shuts down the server subprocess.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// convertTool wraps one server tool as a registry tool. The key is
// "<server>_<tool>" so servers cannot shadow builtins or each other.
func (c *Client) convertTool(name, description string, schema mcpproto.ToolInputSchema) *tools.Tool {
	return &tools.Tool{
		Key:         ToolKey(c.cfg.Name, name),
		Name:        name,
		Description: description,
		InputSchema: marshalSchema(schema),
		Execute: func(ctx context.Context, args json.RawMessage, _ *tools.Env) (any, error) {
			return c.call(ctx, name, args)
		},
	}
}

func (c *Client) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("mcp tool %s arguments: %w", name, err)
		}
	}

	req := mcpproto.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = decoded

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s call failed: %w", name, err)
	}
	return parseResult(resp)
}

// parseResult flattens a tool result to its text content. Server-side
// tool errors become Go errors so the pipeline records them as failed
// tool calls.
func parseResult(resp *mcpproto.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcpproto.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}

	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("mcp tool error: %s", msg)
	}

	switch len(texts) {
	case 0:
		return "", nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

// ToolKey builds the registry key for a server tool.
func ToolKey(server, tool string) string {
	return sanitizeKey(server) + "_" + sanitizeKey(tool)
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}

func marshalSchema(schema mcpproto.ToolInputSchema) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func filterSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
