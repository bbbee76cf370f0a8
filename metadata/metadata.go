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

package metadata

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"github.com/sigstore/sigstore/pkg/signature"
	"golang.org/x/exp/slices"
)

// Root returns a new metadata instance of type Root
func Root(expires ...time.Time) *Metadata[RootType] {
	// expire now if there's nothing set
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	roles := map[string]*Role{}
	for _, r := range TOP_LEVEL_ROLE_NAMES {
		roles[r] = &Role{
			KeyIDs:    []string{},
			Threshold: 1,
		}
	}
	log.Info("Created metadata", "type", ROOT, "expires", expires[0])
	return &Metadata[RootType]{
		Signed: RootType{
			Type:        ROOT,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Keys:        map[string]*Key{},
			Roles:       roles,
		},
		Signatures: []Signature{},
	}
}

// Timestamp returns a new metadata instance of type Timestamp
func Timestamp(expires ...time.Time) *Metadata[TimestampType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Info("Created metadata", "type", TIMESTAMP, "expires", expires[0])
	return &Metadata[TimestampType]{
		Signed: TimestampType{
			Type:        TIMESTAMP,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]*MetaFiles{
				fmt.Sprintf("%s.json", SNAPSHOT): {
					Version: 1,
				},
			},
		},
		Signatures: []Signature{},
	}
}

// Snapshot returns a new metadata instance of type Snapshot
func Snapshot(expires ...time.Time) *Metadata[SnapshotType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Info("Created metadata", "type", SNAPSHOT, "expires", expires[0])
	return &Metadata[SnapshotType]{
		Signed: SnapshotType{
			Type:        SNAPSHOT,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Meta: map[string]*MetaFiles{
				fmt.Sprintf("%s.json", ROOT): {
					Version: 1,
				},
				IndexTarGz: {},
			},
		},
		Signatures: []Signature{},
	}
}

// Targets returns a new metadata instance of type Targets
func Targets(expires ...time.Time) *Metadata[TargetsType] {
	if len(expires) == 0 {
		expires = []time.Time{time.Now().UTC()}
	}
	log.Info("Created metadata", "type", TARGETS, "expires", expires[0])
	return &Metadata[TargetsType]{
		Signed: TargetsType{
			Type:        TARGETS,
			SpecVersion: SPECIFICATION_VERSION,
			Version:     1,
			Expires:     expires[0],
			Targets:     map[string]*TargetFiles{},
		},
		Signatures: []Signature{},
	}
}

// TargetFile returns a new empty TargetFiles instance
func TargetFile() *TargetFiles {
	return &TargetFiles{
		Length: 0,
		Hashes: Hashes{},
	}
}

// MetaFile returns a new MetaFiles instance for the given version
func MetaFile(version int64) *MetaFiles {
	if version < 1 {
		log.Info("Attempting to set incorrect version for MetaFile", "version", version)
		version = 1
	}
	return &MetaFiles{
		Length:  0,
		Hashes:  Hashes{},
		Version: version,
	}
}

// FromFile loads metadata from file
func (meta *Metadata[T]) FromFile(name string) (*Metadata[T], error) {
	m, err := fromFile[T](name)
	if err != nil {
		return nil, err
	}
	*meta = *m
	log.Info("Loaded metadata from file", "name", name)
	return meta, nil
}

// FromBytes deserializes metadata from bytes
func (meta *Metadata[T]) FromBytes(data []byte) (*Metadata[T], error) {
	m, err := fromBytes[T](data)
	if err != nil {
		return nil, err
	}
	*meta = *m
	log.Info("Loaded metadata from bytes")
	return meta, nil
}

// ToBytes serializes metadata to bytes
func (meta *Metadata[T]) ToBytes(pretty bool) ([]byte, error) {
	log.Info("Writing metadata to bytes")
	if pretty {
		return json.MarshalIndent(*meta, "", "\t")
	}
	return json.Marshal(*meta)
}

// ToFile saves metadata to file
func (meta *Metadata[T]) ToFile(name string, pretty bool) error {
	log.Info("Writing metadata to file", "name", name)
	data, err := meta.ToBytes(pretty)
	if err != nil {
		return err
	}
	return os.WriteFile(name, data, 0644)
}

// Sign creates a signature over the canonical form of Signed and
// appends it to Signatures
func (meta *Metadata[T]) Sign(signer signature.Signer) (*Signature, error) {
	// encode the Signed part to canonical JSON so signatures are consistent
	payload, err := cjson.EncodeCanonical(meta.Signed)
	if err != nil {
		return nil, err
	}
	sb, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, ErrUnsignedMetadata{Msg: "problem signing metadata"}
	}
	publ, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := KeyFromPublicKey(publ)
	if err != nil {
		return nil, err
	}
	sig := &Signature{
		KeyID:     key.ID(),
		Signature: sb,
	}
	meta.Signatures = append(meta.Signatures, *sig)
	log.Info("Signed metadata", "key ID", key.ID())
	return sig, nil
}

// VerifyRole verifies that the role document "signed" carries at least
// the threshold of valid signatures that the delegating metadata
// requires for "roleName". Only root delegates in this scheme, so the
// receiver must be root metadata. Keys with unrecognized algorithms
// contribute no valid signature but do not fail verification on their
// own.
func (meta *Metadata[T]) VerifyRole(roleName string, signed any) error {
	var keys map[string]*Key
	var roleKeyIDs []string
	var roleThreshold int
	log.Info("Verifying role", "role", roleName)
	switch i := any(meta).(type) {
	case *Metadata[RootType]:
		keys = i.Signed.Keys
		role, ok := i.Signed.Roles[roleName]
		if !ok {
			return ErrValue{Msg: fmt.Sprintf("no role binding found for %s", roleName)}
		}
		roleKeyIDs = role.KeyIDs
		roleThreshold = role.Threshold
	default:
		return ErrType{Msg: "call is valid only on root metadata"}
	}
	// a role with no authorized keys can never reach its threshold
	if len(roleKeyIDs) == 0 {
		return ErrValue{Msg: fmt.Sprintf("no keys authorized for %s", roleName)}
	}
	payload, signatures, err := signedPayload(signed)
	if err != nil {
		return err
	}
	signingKeys := map[string]bool{}
	for _, keyID := range roleKeyIDs {
		key, ok := keys[keyID]
		if !ok {
			log.Info("Role names key ID absent from key table", "role", roleName, "key ID", keyID)
			continue
		}
		publicKey, err := key.ToPublicKey()
		if err != nil {
			// unrecognized key algorithm: this entry yields no valid signature
			log.Info("Skipping key with unusable algorithm", "key ID", keyID, "err", err)
			continue
		}
		// use the corresponding hash function for the key type
		hash := crypto.Hash(0)
		if key.Type != KeyTypeEd25519 {
			hash = crypto.SHA256
		}
		verifier, err := signature.LoadVerifier(publicKey, hash)
		if err != nil {
			log.Info("Skipping key without a verifier", "key ID", keyID, "err", err)
			continue
		}
		var sig *Signature
		for i := range signatures {
			if signatures[i].KeyID == keyID {
				sig = &signatures[i]
				break
			}
		}
		if sig == nil {
			continue
		}
		if err := verifier.VerifySignature(bytes.NewReader(sig.Signature), bytes.NewReader(payload)); err != nil {
			log.Info("Failed to verify signature", "role", roleName, "key ID", keyID)
			continue
		}
		signingKeys[keyID] = true
		log.Info("Verified signature", "role", roleName, "key ID", keyID)
	}
	if len(signingKeys) < roleThreshold {
		return ErrUnsignedMetadata{Msg: fmt.Sprintf("verifying %s failed, not enough signatures, got %d, want %d", roleName, len(signingKeys), roleThreshold)}
	}
	log.Info("Verified role successfully", "role", roleName)
	return nil
}

// signedPayload extracts the canonical signed bytes and the signature
// list from any of the four envelope instantiations
func signedPayload(signed any) ([]byte, []Signature, error) {
	switch d := signed.(type) {
	case *Metadata[RootType]:
		payload, err := cjson.EncodeCanonical(d.Signed)
		return payload, d.Signatures, err
	case *Metadata[TimestampType]:
		payload, err := cjson.EncodeCanonical(d.Signed)
		return payload, d.Signatures, err
	case *Metadata[SnapshotType]:
		payload, err := cjson.EncodeCanonical(d.Signed)
		return payload, d.Signatures, err
	case *Metadata[TargetsType]:
		payload, err := cjson.EncodeCanonical(d.Signed)
		return payload, d.Signatures, err
	default:
		return nil, nil, ErrType{Msg: "unknown metadata type"}
	}
}

// ClearSignatures clears Signatures
func (meta *Metadata[T]) ClearSignatures() {
	log.Info("Cleared signatures")
	meta.Signatures = []Signature{}
}

// IsExpired returns true if metadata is expired.
// It checks if referenceTime is after Signed.Expires
func (signed *RootType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired returns true if metadata is expired.
// It checks if referenceTime is after Signed.Expires
func (signed *TimestampType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired returns true if metadata is expired.
// It checks if referenceTime is after Signed.Expires
func (signed *SnapshotType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// IsExpired returns true if metadata is expired.
// It checks if referenceTime is after Signed.Expires
func (signed *TargetsType) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(signed.Expires)
}

// VerifyLengthHashes checks whether the given data matches the length
// and hashes of this MetaFiles entry. Both are optional for MetaFiles.
func (f *MetaFiles) VerifyLengthHashes(data []byte) error {
	if len(f.Hashes) > 0 {
		if err := verifyHashes(data, f.Hashes); err != nil {
			return err
		}
	}
	if f.Length != 0 {
		if err := verifyLength(data, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// VerifyLengthHashes checks whether the given data matches the length
// and hashes of this TargetFiles entry
func (f *TargetFiles) VerifyLengthHashes(data []byte) error {
	if err := verifyHashes(data, f.Hashes); err != nil {
		return err
	}
	return verifyLength(data, f.Length)
}

// Equal reports whether two file info records bind the same bytes:
// same length and the same set of hash algorithms with identical
// digests.
func (f *MetaFiles) Equal(other *MetaFiles) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Length != other.Length {
		return false
	}
	if len(f.Hashes) != len(other.Hashes) {
		return false
	}
	for algo, digest := range f.Hashes {
		if !bytes.Equal(digest, other.Hashes[algo]) {
			return false
		}
	}
	return true
}

// FromFile generates TargetFiles from a file on disk
func (t *TargetFiles) FromFile(localPath string, hashes ...string) (*TargetFiles, error) {
	log.Info("Generating target file from file", "path", localPath)
	in, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	return t.FromBytes(localPath, data, hashes...)
}

// FromBytes generates TargetFiles from bytes
func (t *TargetFiles) FromBytes(localPath string, data []byte, hashes ...string) (*TargetFiles, error) {
	log.Info("Generating target file from bytes", "path", localPath)
	var hasher hash.Hash
	targetFile := &TargetFiles{
		Hashes: Hashes{},
	}
	// use the default hash algorithm if not set
	if len(hashes) == 0 {
		hashes = []string{"sha256"}
	}
	targetFile.Length = int64(len(data))
	for _, v := range hashes {
		switch v {
		case "sha256":
			hasher = sha256.New()
		case "sha512":
			hasher = sha512.New()
		default:
			return nil, ErrValue{Msg: fmt.Sprintf("failed generating TargetFile - unsupported hashing algorithm - %s", v)}
		}
		if _, err := hasher.Write(data); err != nil {
			return nil, err
		}
		targetFile.Hashes[v] = hasher.Sum(nil)
	}
	targetFile.Path = localPath
	return targetFile, nil
}

// AddKey adds a new signing key for role "role"
func (signed *RootType) AddKey(key *Key, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, key.ID()) {
		signed.Roles[role].KeyIDs = append(signed.Roles[role].KeyIDs, key.ID())
	}
	signed.Keys[key.ID()] = key
	return nil
}

// RevokeKey revokes key from "role" and updates the key store
func (signed *RootType) RevokeKey(keyID, role string) error {
	if _, ok := signed.Roles[role]; !ok {
		return ErrValue{Msg: fmt.Sprintf("role %s doesn't exist", role)}
	}
	if !slices.Contains(signed.Roles[role].KeyIDs, keyID) {
		return ErrValue{Msg: fmt.Sprintf("key with id %s is not used by %s", keyID, role)}
	}
	filteredKeyIDs := []string{}
	for _, k := range signed.Roles[role].KeyIDs {
		if k != keyID {
			filteredKeyIDs = append(filteredKeyIDs, k)
		}
	}
	signed.Roles[role].KeyIDs = filteredKeyIDs
	// keep the key in the table while any other role still uses it
	for _, r := range signed.Roles {
		if slices.Contains(r.KeyIDs, keyID) {
			return nil
		}
	}
	delete(signed.Keys, keyID)
	return nil
}
