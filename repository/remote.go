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

package repository

import (
	"fmt"
	"path"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/metadata/config"
)

// PackageID names a package as the pair {name, version}. The core
// treats both as opaque strings except for path construction.
type PackageID struct {
	Name    string
	Version string
}

func (p PackageID) String() string {
	return fmt.Sprintf("%s-%s", p.Name, p.Version)
}

// TarGzName is the file name of the package tarball.
func (p PackageID) TarGzName() string {
	return fmt.Sprintf("%s-%s.tar.gz", p.Name, p.Version)
}

// TarGzPath is the server path of the package tarball.
func (p PackageID) TarGzPath() string {
	return path.Join(p.Name, p.Version, p.TarGzName())
}

// TargetsPath is the path of the per-package targets metadata inside
// the index.
func (p PackageID) TargetsPath() string {
	return path.Join(p.Name, p.Version, "targets.json")
}

// RemoteKind tags the closed set of files a repository can serve.
type RemoteKind int

const (
	KindTimestamp RemoteKind = iota
	KindRoot
	KindSnapshot
	KindIndex
	KindPackage
)

func (k RemoteKind) String() string {
	switch k {
	case KindTimestamp:
		return "timestamp"
	case KindRoot:
		return "root"
	case KindSnapshot:
		return "snapshot"
	case KindIndex:
		return "index"
	case KindPackage:
		return "package"
	default:
		return fmt.Sprintf("RemoteKind(%d)", int(k))
	}
}

// RemoteFile describes one downloadable file together with whatever
// length bound the caller learned from higher metadata. Values are
// built through the constructors below so the variant set stays closed.
type RemoteFile struct {
	kind      RemoteKind
	length    int64 // known length in bytes, 0 when unknown
	tarLength int64 // index only: length of the optional tar form
	pkg       PackageID

	// BustCache hints to the transport that any intermediate caches
	// should be bypassed, set on re-downloads after a verification
	// failure. Transports may ignore it.
	BustCache bool
}

// RemoteTimestamp describes timestamp.json; it never has a published
// length and is bounded by a conservative constant.
func RemoteTimestamp() RemoteFile {
	return RemoteFile{kind: KindTimestamp}
}

// RemoteRoot describes root.json. length comes from snapshot during a
// normal update and is 0 during recovery.
func RemoteRoot(length int64) RemoteFile {
	return RemoteFile{kind: KindRoot, length: length}
}

// RemoteSnapshot describes snapshot.json with the length published by
// timestamp.
func RemoteSnapshot(length int64) RemoteFile {
	return RemoteFile{kind: KindSnapshot, length: length}
}

// RemoteIndex describes the package index. tarLength is 0 when the
// snapshot does not offer the plain tar form.
func RemoteIndex(tgzLength, tarLength int64) RemoteFile {
	return RemoteFile{kind: KindIndex, length: tgzLength, tarLength: tarLength}
}

// RemotePkgTarGz describes a package tarball with the length published
// by the per-package targets metadata.
func RemotePkgTarGz(pkg PackageID, length int64) RemoteFile {
	return RemoteFile{kind: KindPackage, length: length, pkg: pkg}
}

func (f RemoteFile) Kind() RemoteKind { return f.kind }

// Length returns the published length, or 0 when none is known.
func (f RemoteFile) Length() int64 { return f.length }

// TarLength returns the published length of the index tar form, or 0
// when the snapshot offers no tar form.
func (f RemoteFile) TarLength() int64 { return f.tarLength }

// Package returns the package identifier of a KindPackage file.
func (f RemoteFile) Package() PackageID { return f.pkg }

// RemotePath maps the file to its path on the server. For the index
// this is the tar.gz path; transports electing the tar form substitute
// the extension.
func (f RemoteFile) RemotePath() string {
	switch f.kind {
	case KindTimestamp:
		return fmt.Sprintf("%s.json", metadata.TIMESTAMP)
	case KindRoot:
		return fmt.Sprintf("%s.json", metadata.ROOT)
	case KindSnapshot:
		return fmt.Sprintf("%s.json", metadata.SNAPSHOT)
	case KindIndex:
		return metadata.IndexTarGz
	case KindPackage:
		return f.pkg.TarGzPath()
	default:
		return ""
	}
}

// Ceiling returns the byte bound a transport must enforce when
// downloading this file (the tar.gz bound for the index; see TarLength
// for the tar form). Every download has a ceiling: unknown lengths
// fall back to the conservative constants in cfg.
func (f RemoteFile) Ceiling(cfg *config.UpdaterConfig) int64 {
	switch f.kind {
	case KindTimestamp:
		return cfg.TimestampMaxLength
	case KindRoot:
		if f.length == 0 {
			return cfg.RootMaxLength
		}
		return f.length
	case KindSnapshot:
		if f.length == 0 {
			return cfg.SnapshotMaxLength
		}
		return f.length
	case KindIndex:
		if f.length == 0 {
			return cfg.IndexMaxLength
		}
		return f.length
	case KindPackage:
		return f.length
	default:
		return 0
	}
}

func (f RemoteFile) String() string {
	if f.kind == KindPackage {
		return fmt.Sprintf("%s %s", f.kind, f.pkg)
	}
	return f.kind.String()
}

// CachePolicyKind tags what a transport does with a verified download.
type CachePolicyKind int

const (
	// DontCache discards the temporary file after the callback.
	DontCache CachePolicyKind = iota
	// CacheAsRole installs the file as <role>.json in the cache.
	CacheAsRole
	// CacheIndex installs the file as the cached index, keeping the
	// form the transport served.
	CacheIndex
)

type CachePolicy struct {
	Kind CachePolicyKind
	Role string
}

// MustCache returns the fixed caching policy for this file: role
// metadata and the index are cached, package tarballs are not.
func (f RemoteFile) MustCache() CachePolicy {
	switch f.kind {
	case KindTimestamp:
		return CachePolicy{Kind: CacheAsRole, Role: metadata.TIMESTAMP}
	case KindRoot:
		return CachePolicy{Kind: CacheAsRole, Role: metadata.ROOT}
	case KindSnapshot:
		return CachePolicy{Kind: CacheAsRole, Role: metadata.SNAPSHOT}
	case KindIndex:
		return CachePolicy{Kind: CacheIndex}
	default:
		return CachePolicy{Kind: DontCache}
	}
}
