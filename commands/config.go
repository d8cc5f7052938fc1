package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration and where each key came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			cfg := svc.Config()
			merged := cfg.Raw()
			prov := cfg.Provenance()
			if a.jsonOut {
				return a.emit(map[string]any{"config": merged, "provenance": prov}, nil)
			}
			return a.emit(nil, func(w io.Writer) {
				keys := make([]string, 0, len(merged))
				for k := range merged {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "# %s (from %s)\n", k, prov[k])
					out, err := yaml.Marshal(map[string]any{k: merged[k]})
					if err != nil {
						fmt.Fprintf(w, "# marshal error: %v\n", err)
						continue
					}
					w.Write(out)
				}
			})
		},
	}
}
