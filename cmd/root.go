package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "deskhand", Short: "Support ticket automation service"}

	root.AddCommand(serveCMD(), migrateCMD(), ingestCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
