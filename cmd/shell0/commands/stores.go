package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shell0/internal/cachestore"
)

func (c *CLI) newStoresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List cache stores and their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			caches := cachestore.New(db)
			names, err := caches.Names()
			if err != nil {
				return err
			}
			gen := cachestore.NewGeneration(cfg.Cache.Prefix, cfg.Cache.Version)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "STORE\tENTRIES\tCURRENT")
			for _, name := range names {
				s, err := caches.Open(name)
				if err != nil {
					return err
				}
				keys, err := s.Keys()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%t\n", name, len(keys), gen.Allows(name))
			}
			return tw.Flush()
		},
	}
}
