package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/secureindex/go-secureindex/repository"
)

var outputPath string

var getCmd = &cobra.Command{
	Use:     "get <name> <version>",
	Aliases: []string{"g"},
	Short:   "Download and verify a package tarball",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return GetCmd(repository.PackageID{Name: args[0], Version: args[1]})
	},
}

func init() {
	getCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path to write the tarball to (defaults to <name>-<version>.tar.gz)")
	rootCmd.AddCommand(getCmd)
}

func GetCmd(pkg repository.PackageID) error {
	setupLogging()

	up, err := newUpdater()
	if err != nil {
		return err
	}
	if err := up.Refresh(); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	dest := outputPath
	if dest == "" {
		dest = pkg.TarGzName()
	}
	if err := up.DownloadPackage(pkg, dest); err != nil {
		return fmt.Errorf("failed to download %s: %w", pkg, err)
	}
	log.Infof("Downloaded %s to %s", pkg, dest)
	return nil
}
