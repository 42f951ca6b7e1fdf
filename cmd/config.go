package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/extender/config"
	"github.com/babelcloud/gbox/packages/extender/internal/util"
)

func NewConfigCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Settings()
			w := cmd.OutOrStdout()

			if output == "json" {
				data, err := json.MarshalIndent(settings, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal settings: %v", err)
				}
				fmt.Fprintln(w, string(data))
				return nil
			}

			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			rows := make([]map[string]interface{}, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, map[string]interface{}{
					"key":   k,
					"env":   config.EnvName(k),
					"value": settings[k],
				})
			}
			util.RenderTable(w, []util.TableColumn{
				{Header: "KEY", Key: "key"},
				{Header: "ENV", Key: "env"},
				{Header: "VALUE", Key: "value"},
			}, rows)

			if file := config.ConfigFile(); file != "" {
				fmt.Fprintf(w, "\nConfig file: %s\n", file)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (json or text)")
	return cmd
}
