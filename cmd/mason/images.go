package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List tagged images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		summaries, err := builder.Images()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "REFERENCE\tBASE\tARCH\tLAYERS\tCREATED")
		for _, s := range summaries {
			created := ""
			if !s.Created.IsZero() {
				created = s.Created.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.Ref, s.BaseRef, s.Architecture, s.Layers, created)
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <ref>",
	Short: "Show an image's recorded configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		result, err := builder.Inspect(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(result)
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi <ref>",
	Short: "Remove an image tag from the local index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		if err := builder.RemoveTag(args[0]); err != nil {
			return err
		}
		fmt.Printf("untagged %s\n", args[0])
		return nil
	},
}
