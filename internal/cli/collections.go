package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List the configured collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadCollections(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range reg.IDs() {
			c, _ := reg.Get(id)
			sources := "any"
			if len(c.Sources) > 0 {
				sources = strings.Join(c.Sources, ",")
			}
			fmt.Fprintf(out, "%-20s %-8s %-10s %s\n", c.ID, c.KeySuffix(), sources, c.Description)
		}
		return nil
	},
}
