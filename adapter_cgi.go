package ctrlstack

import (
	"net/http/cgi"

	"github.com/spf13/cobra"
)

func (a *App) buildCgiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cgi",
		Short: "Serve a single request in CGI mode",
		Long: `Serve a single request in CGI mode.

The method is selected by PATH_INFO (e.g. /query/baz) and REQUEST_METHOD,
exactly as the Web API routes it. Query parameters come from QUERY_STRING and
command bodies from standard input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, _ := cmd.Flags().GetStringSlice("api-key")
			noPrefix, _ := cmd.Flags().GetBool("no-group-prefix")

			opts := []ServerOption{WithGroupPrefix(!noPrefix)}
			if len(keys) > 0 {
				opts = append(opts, WithAPIKeys(keys...))
			}
			srv, err := a.NewServer(opts...)
			if err != nil {
				return err
			}
			return cgi.Serve(srv)
		},
	}
	cmd.Flags().StringSlice("api-key", nil, "Allowed API keys (enables X-API-Key checks)")
	cmd.Flags().Bool("no-group-prefix", false, "Route /{name} instead of /{group}/{name}")
	return cmd
}
