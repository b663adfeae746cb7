package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "syncwire",
	Short: "Syncwire conversation sync CLI",
	Long:  "Command-line interface for the Syncwire conversation sync engine.\nManage configuration, watch live conversations, and send messages.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
