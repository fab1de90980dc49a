package main

import (
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/swarmlink/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "swarmlink",
	Short: "LAN peer-to-peer chat and swarm file transfer",
	Long: `SwarmLink nodes find each other on the local network by UDP broadcast,
exchange chat messages and download shared files piece by piece from every
peer that holds them.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
