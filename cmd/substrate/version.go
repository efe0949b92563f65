package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("substrate version %s\n", version.Get())
	},
}
