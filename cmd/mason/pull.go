package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pullPlatform string

var pullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull an image from a registry into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		builder, err := newBuilder()
		if err != nil {
			return err
		}

		img, err := builder.Pull(cmd.Context(), args[0], pullPlatform)
		if err != nil {
			return err
		}

		fmt.Printf("pulled %s (%d layers)\n", args[0], len(img.Layers))
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullPlatform, "platform", "", "target platform (e.g. linux/arm64)")
}
