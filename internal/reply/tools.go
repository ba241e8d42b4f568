package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/mioo-go/internal/config"
	"github.com/comigor/mioo-go/internal/logger"
)

var emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)

// MCPClient defines the methods the toolset expects from an MCP client.
type MCPClient interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Toolset aggregates the tools of every connected MCP server and exposes
// them to the model as function tools.
type Toolset struct {
	clients []MCPClient
	tools   []openai.Tool
	byName  map[string]MCPClient
	prompts []string
	log     *slog.Logger
}

func NewToolset() *Toolset {
	return &Toolset{byName: make(map[string]MCPClient), log: logger.Component("reply")}
}

// Connect dials every configured MCP server. Servers that fail to start or
// initialize are logged and skipped.
func Connect(ctx context.Context, servers []config.MCPServerConfig) *Toolset {
	ts := NewToolset()
	for _, serverCfg := range servers {
		mcpC, err := newMCPClient(serverCfg)
		if err != nil {
			ts.log.Error("Failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}
		if mcpC == nil {
			continue
		}

		if serverCfg.Type != config.ClientTypeStdio {
			if err := mcpC.Start(ctx); err != nil {
				ts.log.Error("Failed to start MCP client transport", "name", serverCfg.Name, "error", err)
				if cerr := mcpC.Close(); cerr != nil {
					ts.log.Warn("MCP client close error after start failure", "error", cerr)
				}
				continue
			}
		}

		initResult, err := mcpC.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
				ClientInfo:      mcp.Implementation{Name: "mioo", Version: "1.0.0"},
			},
		})
		if err != nil {
			ts.log.Error("Failed to initialize MCP client", "name", serverCfg.Name, "error", err)
			if cerr := mcpC.Close(); cerr != nil {
				ts.log.Warn("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		ts.log.Info("MCP server initialized", "name", serverCfg.Name)

		if initResult != nil && initResult.Capabilities.Prompts != nil {
			if p := discoverPrompt(ctx, mcpC); p != "" {
				ts.prompts = append(ts.prompts, p)
				ts.log.Info("Discovered system prompt from MCP server", "name", serverCfg.Name)
			}
		}
		ts.Add(ctx, serverCfg.Name, mcpC)
	}
	if len(servers) > 0 && len(ts.clients) == 0 {
		ts.log.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(servers))
	}
	return ts
}

func newMCPClient(serverCfg config.MCPServerConfig) (*client.Client, error) {
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(serverCfg.Headers))
		}
		return client.NewSSEMCPClient(serverCfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		return client.NewStreamableHttpClient(serverCfg.URL, opts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case "":
		logger.L.Warn("MCP server type not specified; skipping. Set 'type' to 'sse', 'streamable_http' or 'stdio'.", "name", serverCfg.Name)
		return nil, nil
	default:
		logger.L.Warn("Unsupported MCP server type; skipping.", "type", serverCfg.Type, "name", serverCfg.Name)
		return nil, nil
	}
}

// discoverPrompt returns the first assistant message of the first
// argument-less prompt the server offers.
func discoverPrompt(ctx context.Context, c *client.Client) string {
	prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		return ""
	}
	i := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool { return len(p.Arguments) == 0 })
	if i == -1 {
		return ""
	}
	res, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: prompts.Prompts[i].Name}})
	if err != nil || res == nil {
		return ""
	}
	j := slices.IndexFunc(res.Messages, func(m mcp.PromptMessage) bool { return m.Role == mcp.RoleAssistant })
	if j == -1 {
		return ""
	}
	if text, ok := res.Messages[j].Content.(mcp.TextContent); ok {
		return text.Text
	}
	return ""
}

// Add registers the tools of an initialized client. A tool name already
// provided by another server is skipped.
func (ts *Toolset) Add(ctx context.Context, name string, c MCPClient) {
	ts.clients = append(ts.clients, c)
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		ts.log.Warn("Failed to list tools for MCP client", "name", name, "error", err)
		return
	}
	if res == nil {
		return
	}
	for _, tool := range res.Tools {
		if _, exists := ts.byName[tool.Name]; exists {
			ts.log.Warn("Tool already registered from another server. Skipping.", "tool", tool.Name, "name", name)
			continue
		}
		ts.byName[tool.Name] = c
		ts.tools = append(ts.tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toolSchema(tool),
			},
		})
		ts.log.Info("Registered tool from MCP server", "tool", tool.Name, "name", name)
	}
}

func toolSchema(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 && string(tool.RawInputSchema) != "null" {
		return tool.RawInputSchema
	}
	b, err := json.Marshal(tool.InputSchema)
	if err != nil || string(b) == "{}" || string(b) == "null" {
		return emptySchema
	}
	return b
}

// Tools returns the function tools offered to the model.
func (ts *Toolset) Tools() []openai.Tool {
	if ts == nil {
		return nil
	}
	return ts.tools
}

// Prompts returns system prompts discovered from MCP servers.
func (ts *Toolset) Prompts() []string {
	if ts == nil {
		return nil
	}
	return ts.prompts
}

// Call runs a tool and flattens its result to text for the model.
func (ts *Toolset) Call(ctx context.Context, name string, args map[string]any) string {
	if ts == nil || len(ts.clients) == 0 {
		return "Error: No MCP clients available to execute tool " + name
	}
	c, ok := ts.byName[name]
	if !ok {
		return "Error: unknown tool " + name
	}
	ts.log.Debug("Calling MCP tool", "tool", name, "arguments", args)
	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil || res == nil {
		ts.log.Warn("MCP CallTool failed", "tool", name, "error", err)
		return "MCP tool call failed or tool not found."
	}

	var text string
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text = tc.Text
			break
		}
	}
	if res.IsError {
		ts.log.Warn("MCP tool executed with IsError=true", "tool", name, "content", res.Content)
		if text == "" {
			text = "Tool execution resulted in an error without specific text."
		}
		return text
	}
	if text == "" {
		b, err := json.Marshal(res)
		if err != nil {
			return "Tool executed successfully, but result could not be formatted."
		}
		text = string(b)
	}
	return text
}

// Close closes every MCP client.
func (ts *Toolset) Close() error {
	if ts == nil {
		return nil
	}
	var first error
	for _, c := range ts.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
