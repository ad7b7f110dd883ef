package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/negotiation-room/internal/template"
)

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the built-in contract templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := template.Builtin()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSECTIONS\tNAME")
			for _, t := range catalog.List() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Type, len(t.Sections), t.Name)
			}
			return w.Flush()
		},
	}
}
