package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/secureindex/go-secureindex/repository"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the cached timestamp and snapshot metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ResetCmd()
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func ResetCmd() error {
	setupLogging()

	cache, err := repository.NewCache(CacheDir)
	if err != nil {
		return err
	}
	if err := cache.ClearCache(); err != nil {
		return err
	}
	log.Infof("Cleared cached metadata in %s, trusted root and index kept", CacheDir)
	return nil
}
