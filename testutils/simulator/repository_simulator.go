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

// Package simulator provides a test double for the Repository
// interface so update-engine tests can "publish" repository states and
// attacks without network or real signing infrastructure. Metadata is
// signed on demand and served from memory; only the cache half touches
// disk, through the same Cache implementation the real transports use.
package simulator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	log "github.com/sirupsen/logrus"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/metadata/config"
	"github.com/secureindex/go-secureindex/repository"
)

// RepositorySimulator implements repository.Repository. Tests mutate
// the MD* metadata directly and call Publish (or the higher level
// helpers) to make a new repository state servable.
type RepositorySimulator struct {
	*repository.Cache
	Cfg *config.UpdaterConfig

	// signers per role, keyed by key ID
	Signers map[string]map[string]*signature.Signer
	// root signers of the previous root version, kept so a rotated
	// root is still signed off by its predecessor's keys
	PrevRootSigners map[string]*signature.Signer

	MDRoot      *metadata.Metadata[metadata.RootType]
	MDTimestamp *metadata.Metadata[metadata.TimestampType]
	MDSnapshot  *metadata.Metadata[metadata.SnapshotType]

	// every published root version, in order
	SignedRoots [][]byte

	// currently served bytes, regenerated by Publish
	timestampBytes []byte
	snapshotBytes  []byte
	indexTar       []byte
	indexTarGz     []byte

	// index contents and package tarballs by server path
	IndexEntries map[string][]byte
	PackageData  map[string][]byte

	// OfferTar makes snapshot advertise the plain tar index form
	OfferTar bool

	// attack knobs
	PadSnapshot      int   // serve this many bytes beyond the signed snapshot
	PadOnce          bool  // reset PadSnapshot after one padded download
	CorruptIndex     bool  // flip one byte of the served index
	ClaimRootVersion int64 // override the root version snapshot claims

	// observability for tests
	FetchCalls []string
	Events     []repository.Event

	SafeExpiry time.Time
}

// New initializes a simulator with a minimal valid repository (one key
// per role, threshold 1, empty index) and bootstraps the cache with
// the first root.
func New(cacheDir string) (*RepositorySimulator, error) {
	cache, err := repository.NewCache(cacheDir)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rs := &RepositorySimulator{
		Cache:        cache,
		Cfg:          config.New(),
		Signers:      map[string]map[string]*signature.Signer{},
		IndexEntries: map[string][]byte{},
		PackageData:  map[string][]byte{},
		SafeExpiry:   now.Truncate(time.Second).AddDate(0, 0, 30),
	}
	rs.MDRoot = metadata.Root(rs.SafeExpiry)
	rs.MDTimestamp = metadata.Timestamp(rs.SafeExpiry)
	rs.MDSnapshot = metadata.Snapshot(rs.SafeExpiry)

	for _, role := range metadata.TOP_LEVEL_ROLE_NAMES {
		publicKey, _, signer := CreateKey()
		key, err := metadata.KeyFromPublicKey(*publicKey)
		if err != nil {
			return nil, fmt.Errorf("key conversion failed while setting up repository: %w", err)
		}
		if err := rs.MDRoot.Signed.AddKey(key, role); err != nil {
			return nil, err
		}
		rs.AddSigner(role, key.ID(), *signer)
	}
	rs.PublishRoot()
	rs.Publish()
	if err := rs.Bootstrap(rs.SignedRoots[0]); err != nil {
		return nil, err
	}
	return rs, nil
}

// CreateKey returns a fresh ed25519 key pair and a signer for it.
func CreateKey() (*ed25519.PublicKey, *ed25519.PrivateKey, *signature.Signer) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Printf("failed to generate key: %v", err)
	}
	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	if err != nil {
		log.Printf("failed to load signer: %v", err)
	}
	return &public, &private, &signer
}

func (rs *RepositorySimulator) AddSigner(role, keyID string, signer signature.Signer) {
	if _, ok := rs.Signers[role]; !ok {
		rs.Signers[role] = map[string]*signature.Signer{}
	}
	rs.Signers[role][keyID] = &signer
}

// RotateKeys removes all keys for role, then adds a threshold of new
// ones. A root rotation must be followed by PublishRoot.
func (rs *RepositorySimulator) RotateKeys(role string) error {
	if role == metadata.ROOT {
		rs.PrevRootSigners = rs.Signers[metadata.ROOT]
	}
	keyIDs := append([]string(nil), rs.MDRoot.Signed.Roles[role].KeyIDs...)
	for _, keyID := range keyIDs {
		if err := rs.MDRoot.Signed.RevokeKey(keyID, role); err != nil {
			return err
		}
	}
	rs.Signers[role] = map[string]*signature.Signer{}
	for i := 0; i < rs.MDRoot.Signed.Roles[role].Threshold; i++ {
		publicKey, _, signer := CreateKey()
		key, err := metadata.KeyFromPublicKey(*publicKey)
		if err != nil {
			return err
		}
		if err := rs.MDRoot.Signed.AddKey(key, role); err != nil {
			return err
		}
		rs.AddSigner(role, key.ID(), *signer)
	}
	return nil
}

// PublishRoot signs and stores a new serialized root version. The new
// root is signed by the current root keys and, after a rotation, by
// the previous ones as well so the handover chain verifies.
func (rs *RepositorySimulator) PublishRoot() {
	rs.MDRoot.ClearSignatures()
	signedBy := map[string]bool{}
	for keyID, signer := range rs.Signers[metadata.ROOT] {
		if _, err := rs.MDRoot.Sign(*signer); err != nil {
			log.Debugf("simulator: failed to sign root: %v", err)
		}
		signedBy[keyID] = true
	}
	for keyID, signer := range rs.PrevRootSigners {
		if signedBy[keyID] {
			continue
		}
		if _, err := rs.MDRoot.Sign(*signer); err != nil {
			log.Debugf("simulator: failed to sign root: %v", err)
		}
	}
	data, err := rs.MDRoot.MarshalJSON()
	if err != nil {
		log.Debugf("simulator: failed to marshal root: %v", err)
	}
	rs.SignedRoots = append(rs.SignedRoots, data)
	log.Debugf("simulator: published root v%d", rs.MDRoot.Signed.Version)
}

// BumpRoot publishes the next root version and republishes snapshot
// and timestamp so they reference it.
func (rs *RepositorySimulator) BumpRoot() {
	rs.MDRoot.Signed.Version++
	rs.PublishRoot()
	rs.UpdateSnapshot()
}

// AddPackage registers a package tarball, writes its targets metadata
// into the index and publishes a new snapshot referencing it.
func (rs *RepositorySimulator) AddPackage(pkg repository.PackageID, data []byte) error {
	targetFile, err := metadata.TargetFile().FromBytes(pkg.TarGzName(), data)
	if err != nil {
		return err
	}
	targets := metadata.Targets(rs.SafeExpiry)
	targets.Signed.Targets[pkg.TarGzName()] = targetFile
	for _, signer := range rs.Signers[metadata.TARGETS] {
		if _, err := targets.Sign(*signer); err != nil {
			return err
		}
	}
	targetsBytes, err := targets.MarshalJSON()
	if err != nil {
		return err
	}
	rs.IndexEntries[pkg.TargetsPath()] = targetsBytes
	rs.PackageData[pkg.TarGzPath()] = data
	rs.UpdateSnapshot()
	return nil
}

// UpdateSnapshot publishes the next snapshot version (and a matching
// timestamp) covering the current index and root.
func (rs *RepositorySimulator) UpdateSnapshot() {
	rs.MDSnapshot.Signed.Version++
	rs.Publish()
}

// Publish re-signs the current snapshot and timestamp structs and
// regenerates the served bytes without bumping the snapshot version.
// Tests that forge bad states mutate the MD* structs first and then
// call Publish.
func (rs *RepositorySimulator) Publish() {
	rs.rebuildIndex()

	latestRoot := rs.SignedRoots[len(rs.SignedRoots)-1]
	claimedRootVersion := rs.MDRoot.Signed.Version
	if rs.ClaimRootVersion != 0 {
		claimedRootVersion = rs.ClaimRootVersion
	}
	rs.MDSnapshot.Signed.Meta = map[string]*metadata.MetaFiles{
		fmt.Sprintf("%s.json", metadata.ROOT): {
			Length:  int64(len(latestRoot)),
			Hashes:  hashesOf(latestRoot),
			Version: claimedRootVersion,
		},
		metadata.IndexTarGz: {
			Length: int64(len(rs.indexTarGz)),
			Hashes: hashesOf(rs.indexTarGz),
		},
	}
	if rs.OfferTar {
		rs.MDSnapshot.Signed.Meta[metadata.IndexTar] = &metadata.MetaFiles{
			Length: int64(len(rs.indexTar)),
			Hashes: hashesOf(rs.indexTar),
		}
	}
	rs.snapshotBytes = rs.signSnapshot()

	rs.MDTimestamp.Signed.Version++
	rs.MDTimestamp.Signed.Meta = map[string]*metadata.MetaFiles{
		fmt.Sprintf("%s.json", metadata.SNAPSHOT): {
			Length:  int64(len(rs.snapshotBytes)),
			Hashes:  hashesOf(rs.snapshotBytes),
			Version: rs.MDSnapshot.Signed.Version,
		},
	}
	rs.timestampBytes = rs.signTimestamp()
}

func (rs *RepositorySimulator) signSnapshot() []byte {
	rs.MDSnapshot.ClearSignatures()
	for _, signer := range rs.Signers[metadata.SNAPSHOT] {
		if _, err := rs.MDSnapshot.Sign(*signer); err != nil {
			log.Debugf("simulator: failed to sign snapshot: %v", err)
		}
	}
	data, err := rs.MDSnapshot.MarshalJSON()
	if err != nil {
		log.Debugf("simulator: failed to marshal snapshot: %v", err)
	}
	return data
}

func (rs *RepositorySimulator) signTimestamp() []byte {
	rs.MDTimestamp.ClearSignatures()
	for _, signer := range rs.Signers[metadata.TIMESTAMP] {
		if _, err := rs.MDTimestamp.Sign(*signer); err != nil {
			log.Debugf("simulator: failed to sign timestamp: %v", err)
		}
	}
	data, err := rs.MDTimestamp.MarshalJSON()
	if err != nil {
		log.Debugf("simulator: failed to marshal timestamp: %v", err)
	}
	return data
}

// rebuildIndex regenerates the tar and tar.gz forms from IndexEntries.
func (rs *RepositorySimulator) rebuildIndex() {
	paths := make([]string, 0, len(rs.IndexEntries))
	for p := range rs.IndexEntries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		data := rs.IndexEntries[p]
		hdr := &tar.Header{
			Name:     p,
			Mode:     0644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			log.Debugf("simulator: failed to write index header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			log.Debugf("simulator: failed to write index entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		log.Debugf("simulator: failed to close index: %v", err)
	}
	rs.indexTar = append([]byte(nil), buf.Bytes()...)

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(rs.indexTar); err != nil {
		log.Debugf("simulator: failed to compress index: %v", err)
	}
	if err := gz.Close(); err != nil {
		log.Debugf("simulator: failed to close compressed index: %v", err)
	}
	rs.indexTarGz = gzBuf.Bytes()
}

// WithRemote serves the requested file from memory through a real
// temporary cache file, enforcing the same ceiling contract a real
// transport must honor.
func (rs *RepositorySimulator) WithRemote(file repository.RemoteFile, fn func(tmpPath string) error) error {
	data, ext, ceiling, err := rs.fetch(file)
	if err != nil {
		return err
	}
	if int64(len(data)) > ceiling {
		return metadata.ErrDownloadLengthMismatch{Msg: fmt.Sprintf("fetching %s exceeded the maximum allowed length of %d", file, ceiling)}
	}
	tmp, err := rs.TempFile(ext)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fn(tmpPath); err != nil {
		return err
	}
	return rs.Commit(tmpPath, file.MustCache())
}

// fetch resolves a remote file to the served bytes, the extension of
// the served form and the ceiling the transport enforces.
func (rs *RepositorySimulator) fetch(file repository.RemoteFile) ([]byte, string, int64, error) {
	rs.FetchCalls = append(rs.FetchCalls, file.String())
	ceiling := file.Ceiling(rs.Cfg)
	switch file.Kind() {
	case repository.KindTimestamp:
		return rs.timestampBytes, ".json", ceiling, nil
	case repository.KindRoot:
		return rs.SignedRoots[len(rs.SignedRoots)-1], ".json", ceiling, nil
	case repository.KindSnapshot:
		data := rs.snapshotBytes
		if rs.PadSnapshot > 0 {
			data = append(append([]byte(nil), data...), make([]byte, rs.PadSnapshot)...)
			if rs.PadOnce {
				rs.PadSnapshot = 0
			}
		}
		return data, ".json", ceiling, nil
	case repository.KindIndex:
		data, ext := rs.indexTarGz, ".tar.gz"
		if rs.OfferTar && file.TarLength() > 0 {
			data, ext = rs.indexTar, ".tar"
			ceiling = file.TarLength()
		}
		if rs.CorruptIndex && len(data) > 0 {
			data = append([]byte(nil), data...)
			data[len(data)/2] ^= 0xff
		}
		return data, ext, ceiling, nil
	case repository.KindPackage:
		data, ok := rs.PackageData[file.Package().TarGzPath()]
		if !ok {
			return nil, "", 0, metadata.ErrDownload{Msg: fmt.Sprintf("no package %s", file.Package())}
		}
		return data, ".tar.gz", ceiling, nil
	default:
		return nil, "", 0, metadata.ErrDownload{Msg: fmt.Sprintf("unknown remote file %s", file)}
	}
}

// Log records events for test assertions.
func (rs *RepositorySimulator) Log(ev repository.Event) {
	rs.Events = append(rs.Events, ev)
	log.Debugf("simulator: %s", ev)
}

func hashesOf(data []byte) metadata.Hashes {
	digest := sha256.Sum256(data)
	return metadata.Hashes{"sha256": digest[:]}
}
