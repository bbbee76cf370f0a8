package main

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/go-logr/stdr"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/metadata/trust"
	"github.com/secureindex/go-secureindex/repository"
)

var initCmd = &cobra.Command{
	Use:     "init <root.json>",
	Aliases: []string{"i"},
	Short:   "Bootstrap trust from an out-of-band root metadata file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return InitCmd(args[0])
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func InitCmd(rootPath string) error {
	setupLogging()

	data, err := ReadFile(rootPath)
	if err != nil {
		return fmt.Errorf("failed to read trusted root from %s: %w", rootPath, err)
	}
	// refuse to install an anchor that does not even verify itself
	if _, err := trust.LoadRoot(data); err != nil {
		return fmt.Errorf("refusing to install untrusted root: %w", err)
	}
	cache, err := repository.NewCache(CacheDir)
	if err != nil {
		return err
	}
	if err := cache.Bootstrap(data); err != nil {
		return err
	}
	log.Infof("Initialized cache at %s", CacheDir)
	return nil
}

// setupLogging wires the metadata logger to stderr and raises the CLI
// log level when --verbose is set.
func setupLogging() {
	metadata.SetLogger(stdr.New(stdlog.New(os.Stderr, "secureindex", stdlog.LstdFlags)))
	if Verbosity {
		stdr.SetVerbosity(5)
		log.SetLevel(log.DebugLevel)
	}
}
