package main

import (
	"fmt"
	"os"

	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "forooshyar",
		Short: "forooshyar analysis engine",
		Long: `forooshyar is the server-side backend of the forooshyar e-commerce
admin AI assistant. It runs the durable batch engine that drives
AI-analysis jobs over products and customers.`,
	}

	var configFile string
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a configuration file")

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("forooshyar", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
