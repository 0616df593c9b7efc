package ctrlstack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// ToolName returns the MCP tool name of m: "{group}.{name}".
func ToolName(m *Method) string {
	return m.Group + "." + m.Name
}

// NewMCPServer exposes every method of c as an MCP tool whose input schema is
// the method's projected parameters.
func NewMCPServer(c Controller, cfg Config) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	for _, m := range c.Registry().Methods() {
		desc := m.Description
		if desc == "" {
			desc = fmt.Sprintf("%s %s", m.Kind, m.Route(true))
		}
		tool := mcp.Tool{
			Name:        ToolName(m),
			Description: desc,
			InputSchema: GenerateJSONSchema(m),
		}

		// Capture closure variables
		target := m

		s.AddTool(&tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			toolArgs := make(map[string]any)
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &toolArgs); err != nil {
					return toolError(fmt.Sprintf("Invalid arguments format: %v", err)), nil
				}
			}

			result, err := target.CallNamed(ctx, c, toolArgs)
			if err != nil {
				return toolError(err.Error()), nil
			}

			jsonBytes, err := json.Marshal(result)
			if err != nil {
				return toolError("failed to marshal response"), nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{Text: string(jsonBytes)},
				},
			}, nil
		})
	}
	return s
}

func toolError(msg string) *mcp.CallToolResult {
	errJSON, _ := json.Marshal(buildErrorResponse(msg))
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(errJSON)},
		},
	}
}

func (a *App) buildMcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run as a Model Context Protocol (MCP) server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := NewMCPServer(a.Controller(), a.config)
			return s.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
