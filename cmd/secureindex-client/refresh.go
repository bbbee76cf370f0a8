package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/secureindex/go-secureindex/client"
	"github.com/secureindex/go-secureindex/repository/local"
)

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	Aliases: []string{"r"},
	Short:   "Check the repository for updates and refresh the cached metadata",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RefreshCmd()
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func RefreshCmd() error {
	setupLogging()

	up, err := newUpdater()
	if err != nil {
		return err
	}
	if err := up.Refresh(); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	log.Infof("Refreshed metadata, trusted root is version %d", up.RootVersion())
	return nil
}

func newUpdater() (*client.Updater, error) {
	if RepositoryDir == "" {
		return nil, fmt.Errorf("no repository directory given, use --repository")
	}
	repo, err := local.New(RepositoryDir, CacheDir, nil)
	if err != nil {
		return nil, err
	}
	up, err := client.New(repo, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create updater (did you run init?): %w", err)
	}
	return up, nil
}
