package ctrlstack

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// generateOpenAPISpec generates a simplified OpenAPI 3.0.0 specification
// based on the server's routes.
func (s *Server) generateOpenAPISpec() map[string]any {
	spec := map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":       s.config.Name,
			"version":     s.config.Version,
			"x-framework": FrameworkBuildInfo(),
		},
		"paths": map[string]any{},
	}
	if s.authEnabled {
		spec["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"apiKey": map[string]any{"type": "apiKey", "in": "header", "name": APIKeyHeader},
			},
		}
		spec["security"] = []any{map[string]any{"apiKey": []string{}}}
	}

	paths := spec["paths"].(map[string]any)

	for _, route := range s.routes {
		m := route.Target
		op := map[string]any{
			"operationId": strings.ReplaceAll(strings.TrimPrefix(route.Path, "/"), "/", "."),
			"description": m.Description,
			"responses":   operationResponses(m, s.authEnabled),
		}
		if m.Group != "" {
			op["tags"] = []string{m.Group}
		}

		if route.Method == http.MethodGet {
			var params []any
			for _, p := range m.Signature.Params {
				schema := typeToSchema(p.Type, 0)
				if p.HasDefault {
					schema["default"] = p.Default
				}
				param := map[string]any{
					"name":     p.Name,
					"in":       "query",
					"required": !p.HasDefault,
					"schema":   schema,
				}
				if p.Description != "" {
					param["description"] = p.Description
				}
				params = append(params, param)
			}
			if len(params) > 0 {
				op["parameters"] = params
			}
		} else if len(m.Signature.Params) > 0 {
			op["requestBody"] = map[string]any{
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": GenerateJSONSchema(m),
					},
				},
			}
		}

		paths[route.Path] = map[string]any{
			strings.ToLower(route.Method): op,
		}
	}

	return spec
}

func operationResponses(m *Method, auth bool) map[string]any {
	ok := map[string]any{"description": "Successful execution"}
	if schema := GenerateOutputJSONSchema(m); schema != nil {
		ok["content"] = map[string]any{
			"application/json": map[string]any{"schema": schema},
		}
	}
	errContent := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{"schema": errorResponseSchema()},
			},
		}
	}
	responses := map[string]any{
		"200": ok,
		"400": errContent("Invalid request"),
		"500": errContent("Internal server error"),
	}
	if auth {
		responses["401"] = errContent("Invalid or missing API Key")
	}
	return responses
}

func (s *Server) serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.generateOpenAPISpec())
}

func (a *App) buildOpenAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Print the OpenAPI document of the Web API",
		RunE: func(cmd *cobra.Command, args []string) error {
			noPrefix, _ := cmd.Flags().GetBool("no-group-prefix")
			srv, err := a.NewServer(WithGroupPrefix(!noPrefix))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(srv.generateOpenAPISpec())
		},
	}
	cmd.Flags().Bool("no-group-prefix", false, "Describe routes as /{name} instead of /{group}/{name}")
	return cmd
}
