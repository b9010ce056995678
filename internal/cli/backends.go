package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/mequeue/internal/config"
)

// BackendsOptions holds flags for the backends command.
type BackendsOptions struct {
	*RootOptions
	JSON bool
}

// NewBackendsCommand creates the backends command, which lists the backends
// a serve process with the same configuration would offer.
func NewBackendsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackendsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:          "backends",
		Short:        "List available backends",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if opts.ConfigPath != "" {
				var err error
				if cfg, err = config.LoadFile(opts.ConfigPath); err != nil {
					return err
				}
			}
			infos := newRegistry(cfg).List()

			out := cmd.OutOrStdout()
			if opts.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCANCELLABLE\tSIDE EFFECTS\tDESCRIPTION")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n",
					info.Name, info.Capabilities.Cancellable, info.Capabilities.SideEffects, info.Capabilities.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print as JSON")

	return cmd
}
