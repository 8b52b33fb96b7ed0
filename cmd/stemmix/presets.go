package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in and user mix presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := loadPresets(cfg, logger)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMASTER\tSTEMS\tDESCRIPTION")
		for _, p := range catalog.List() {
			stems := make([]string, 0, len(p.Stems))
			for category := range p.Stems {
				stems = append(stems, string(category))
			}
			sort.Strings(stems)
			id := p.ID
			if id == cfg.Presets.Default {
				id += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n", id, p.Name, p.MasterVolume, strings.Join(stems, ","), p.Description)
		}
		return w.Flush()
	},
}
