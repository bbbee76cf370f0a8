// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	DefaultCacheDir = "secureindex_cache"
)

var Verbosity bool
var RepositoryDir string
var CacheDir string

var rootCmd = &cobra.Command{
	Use:   "secureindex-client",
	Short: "secureindex-client - a client-side CLI tool for secure package repositories",
	Long: `secureindex-client implements the client side of the secure repository
update workflow: it bootstraps trust from an out-of-band root, checks the
repository for updates and downloads package tarballs.

All downloaded files are verified by signed metadata.`,
	Run: func(cmd *cobra.Command, args []string) {
		// show the help message if no command has been used
		if len(args) == 0 {
			_ = cmd.Help()
			os.Exit(0)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&Verbosity, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&RepositoryDir, "repository", "r", "", "path of the repository directory")
	rootCmd.PersistentFlags().StringVarP(&CacheDir, "cache-dir", "c", DefaultCacheDir, "path of the metadata cache")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ReadFile reads the content of a file and returns its bytes
func ReadFile(name string) ([]byte, error) {
	in, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	return data, nil
}
