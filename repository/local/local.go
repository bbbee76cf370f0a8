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

// Package local implements the Repository interface over a repository
// directory on the local filesystem, laid out with the same file names
// a remote server would use. Network transports live outside this
// module; this transport covers mirrors reachable as a mounted path
// and the test and CLI flows.
package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/metadata/config"
	"github.com/secureindex/go-secureindex/repository"
)

// Repository serves remote files from remoteDir and caches verified
// files through the embedded cache.
type Repository struct {
	*repository.Cache
	remoteDir string
	cfg       *config.UpdaterConfig
}

// New opens a local repository rooted at remoteDir with a cache at
// cacheDir.
func New(remoteDir, cacheDir string, cfg *config.UpdaterConfig) (*Repository, error) {
	if cfg == nil {
		cfg = config.New()
	}
	cache, err := repository.NewCache(cacheDir)
	if err != nil {
		return nil, err
	}
	return &Repository{Cache: cache, remoteDir: remoteDir, cfg: cfg}, nil
}

// WithRemote copies the requested file into a temporary cache file,
// enforcing the ceiling, and hands it to fn. The temporary file is
// released on every exit path; on callback success it is committed per
// the file's caching policy.
func (r *Repository) WithRemote(file repository.RemoteFile, fn func(tmpPath string) error) error {
	src := file.RemotePath()
	ceiling := file.Ceiling(r.cfg)

	// for the index, serve the tar form when the snapshot offers it and
	// the file is actually present; otherwise fall back to tar.gz
	if file.Kind() == repository.KindIndex && file.TarLength() > 0 {
		tarSrc := metadata.IndexTar
		if _, err := os.Stat(filepath.Join(r.remoteDir, tarSrc)); err == nil {
			src = tarSrc
			ceiling = file.TarLength()
		}
	}

	tmp, err := r.TempFile(extensionOf(src))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	in, err := os.Open(filepath.Join(r.remoteDir, filepath.FromSlash(src)))
	if err != nil {
		tmp.Close()
		return metadata.ErrDownload{Msg: fmt.Sprintf("failed to fetch %s: %v", src, err)}
	}
	// read one byte past the ceiling to detect an endless stream
	n, err := io.Copy(tmp, io.LimitReader(in, ceiling+1))
	in.Close()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return metadata.ErrDownload{Msg: fmt.Sprintf("failed to fetch %s: %v", src, err)}
	}
	if n > ceiling {
		return metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("fetching %s exceeded the maximum allowed length of %d", src, ceiling)}
	}

	if err := fn(tmpPath); err != nil {
		return err
	}
	return r.Commit(tmpPath, file.MustCache())
}

// Log forwards events to the configured metadata logger.
func (r *Repository) Log(ev repository.Event) {
	metadata.GetLogger().Info(ev.String())
}

func extensionOf(src string) string {
	switch {
	case strings.HasSuffix(src, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(src, ".tar"):
		return ".tar"
	default:
		return ".json"
	}
}
