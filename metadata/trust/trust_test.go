package trust

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureindex/go-secureindex/metadata"
)

// testRepo holds a complete signing setup for one repository state.
type testRepo struct {
	root    *metadata.Metadata[metadata.RootType]
	signers map[string][]signature.Signer
}

func newTestRepo(t *testing.T, expire time.Time) *testRepo {
	t.Helper()
	r := &testRepo{
		root:    metadata.Root(expire),
		signers: map[string][]signature.Signer{},
	}
	for _, role := range metadata.TOP_LEVEL_ROLE_NAMES {
		r.addKey(t, role)
	}
	return r
}

func (r *testRepo) addKey(t *testing.T, role string) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := signature.LoadSigner(private, crypto.Hash(0))
	require.NoError(t, err)
	key, err := metadata.KeyFromPublicKey(public)
	require.NoError(t, err)
	require.NoError(t, r.root.Signed.AddKey(key, role))
	r.signers[role] = append(r.signers[role], signer)
}

func (r *testRepo) signedRoot(t *testing.T, extra ...signature.Signer) []byte {
	t.Helper()
	r.root.ClearSignatures()
	for _, signer := range append(extra, r.signers[metadata.ROOT]...) {
		_, err := r.root.Sign(signer)
		require.NoError(t, err)
	}
	data, err := r.root.ToBytes(false)
	require.NoError(t, err)
	return data
}

func (r *testRepo) signedTimestamp(t *testing.T, ts *metadata.Metadata[metadata.TimestampType]) []byte {
	t.Helper()
	ts.ClearSignatures()
	for _, signer := range r.signers[metadata.TIMESTAMP] {
		_, err := ts.Sign(signer)
		require.NoError(t, err)
	}
	data, err := ts.ToBytes(false)
	require.NoError(t, err)
	return data
}

func (r *testRepo) signedSnapshot(t *testing.T, sn *metadata.Metadata[metadata.SnapshotType]) []byte {
	t.Helper()
	sn.ClearSignatures()
	for _, signer := range r.signers[metadata.SNAPSHOT] {
		_, err := sn.Sign(signer)
		require.NoError(t, err)
	}
	data, err := sn.ToBytes(false)
	require.NoError(t, err)
	return data
}

func (r *testRepo) signedTargets(t *testing.T, tg *metadata.Metadata[metadata.TargetsType]) []byte {
	t.Helper()
	tg.ClearSignatures()
	for _, signer := range r.signers[metadata.TARGETS] {
		_, err := tg.Sign(signer)
		require.NoError(t, err)
	}
	data, err := tg.ToBytes(false)
	require.NoError(t, err)
	return data
}

func infoFor(data []byte, version int64) *metadata.MetaFiles {
	digest := sha256.Sum256(data)
	return &metadata.MetaFiles{
		Length:  int64(len(data)),
		Hashes:  metadata.Hashes{"sha256": digest[:]},
		Version: version,
	}
}

func futureTime() time.Time {
	return time.Now().UTC().AddDate(0, 1, 0)
}

func TestLoadRoot(t *testing.T) {
	repo := newTestRepo(t, futureTime())
	data := repo.signedRoot(t)

	trusted, err := LoadRoot(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trusted.Signed().Version)

	// a flipped byte in the payload breaks self verification
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)/3] ^= 0x01
	_, err = LoadRoot(tampered)
	assert.Error(t, err)
}

func TestLoadRootIgnoresExpiry(t *testing.T) {
	repo := newTestRepo(t, time.Now().UTC().Add(-time.Hour))
	data := repo.signedRoot(t)

	trusted, err := LoadRoot(data)
	require.NoError(t, err)
	signed := trusted.Signed()
	assert.True(t, signed.IsExpired(time.Now().UTC()))
}

func TestVerifyRootChain(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	old, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	// same keys, next version
	repo.root.Signed.Version = 2
	trusted, err := VerifyRoot(repo.signedRoot(t), old, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Signed().Version)
}

func TestVerifyRootRotatedKeys(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	old, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	oldSigner := repo.signers[metadata.ROOT][0]
	oldKeyIDs := append([]string(nil), repo.root.Signed.Roles[metadata.ROOT].KeyIDs...)

	// rotate the root key and publish v2
	repo.root.Signed.Version = 2
	for _, keyID := range oldKeyIDs {
		require.NoError(t, repo.root.Signed.RevokeKey(keyID, metadata.ROOT))
	}
	repo.signers[metadata.ROOT] = nil
	repo.addKey(t, metadata.ROOT)

	// signed only by the new key: the old root will not sign it off
	_, err = VerifyRoot(repo.signedRoot(t), old, now)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{})

	// signed by both old and new keys: valid handover
	trusted, err := VerifyRoot(repo.signedRoot(t, oldSigner), old, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Signed().Version)
}

func TestVerifyRootRollback(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	repo.root.Signed.Version = 2
	old, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	repo.root.Signed.Version = 1
	_, err = VerifyRoot(repo.signedRoot(t), old, now)
	assert.ErrorIs(t, err, metadata.ErrRollback{})
}

func TestVerifyRootExpired(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, now.Add(-time.Hour))
	old, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	repo.root.Signed.Version = 2
	_, err = VerifyRoot(repo.signedRoot(t), old, now)
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	ts := metadata.Timestamp(futureTime())
	ts.Signed.Version = 4
	data := repo.signedTimestamp(t, ts)

	trusted, err := VerifyTimestamp(data, root, now, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), trusted.Signed().Version)
	assert.NotNil(t, SnapshotInfo(trusted))

	// an equal version is fine, a lower one is a rollback
	_, err = VerifyTimestamp(data, root, now, 4)
	assert.NoError(t, err)
	_, err = VerifyTimestamp(data, root, now, 5)
	assert.ErrorIs(t, err, metadata.ErrRollback{})
}

func TestVerifyTimestampUnauthorizedSigner(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	other := newTestRepo(t, futureTime())
	ts := metadata.Timestamp(futureTime())
	data := other.signedTimestamp(t, ts)

	_, err = VerifyTimestamp(data, root, now, 0)
	assert.ErrorIs(t, err, metadata.ErrUnsignedMetadata{})
}

func TestVerifyTimestampExpired(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	ts := metadata.Timestamp(now.Add(-time.Minute))
	data := repo.signedTimestamp(t, ts)

	_, err = VerifyTimestamp(data, root, now, 0)
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
}

func TestVerifyTimestampWrongType(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	sn := metadata.Snapshot(futureTime())
	data := repo.signedSnapshot(t, sn)

	_, err = VerifyTimestamp(data, root, now, 0)
	assert.ErrorIs(t, err, metadata.ErrType{})
}

func TestVerifySnapshot(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	sn := metadata.Snapshot(futureTime())
	sn.Signed.Version = 2
	data := repo.signedSnapshot(t, sn)
	info := infoFor(data, 2)

	trusted, err := VerifySnapshot(data, root, info, now, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), trusted.Signed().Version)

	tgz, tar := IndexInfo(trusted)
	assert.NotNil(t, tgz)
	assert.Nil(t, tar)
	assert.NotNil(t, RootInfo(trusted))
}

func TestVerifySnapshotFileInfoMismatch(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	sn := metadata.Snapshot(futureTime())
	data := repo.signedSnapshot(t, sn)

	bad := infoFor(append(append([]byte(nil), data...), 'x'), 1)
	_, err = VerifySnapshot(data, root, bad, now, 0)
	assert.ErrorIs(t, err, metadata.ErrLengthOrHashMismatch{})
}

func TestVerifySnapshotRollback(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	sn := metadata.Snapshot(futureTime())
	sn.Signed.Version = 1
	data := repo.signedSnapshot(t, sn)

	_, err = VerifySnapshot(data, root, infoFor(data, 1), now, 2)
	assert.ErrorIs(t, err, metadata.ErrRollback{})
}

func TestVerifySnapshotMissingIndexInfo(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	sn := metadata.Snapshot(futureTime())
	delete(sn.Signed.Meta, metadata.IndexTarGz)
	data := repo.signedSnapshot(t, sn)

	_, err = VerifySnapshot(data, root, infoFor(data, 1), now, 0)
	assert.ErrorIs(t, err, metadata.ErrValue{})
}

func TestVerifyTargets(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	tg := metadata.Targets(futureTime())
	tf, err := metadata.TargetFile().FromBytes("demo-1.0.tar.gz", []byte("tarball"))
	require.NoError(t, err)
	tg.Signed.Targets["demo-1.0.tar.gz"] = tf
	data := repo.signedTargets(t, tg)

	trusted, err := VerifyTargets(data, root, nil, now)
	require.NoError(t, err)
	assert.Contains(t, trusted.Signed().Targets, "demo-1.0.tar.gz")

	// with binding file info the bytes must match it
	_, err = VerifyTargets(data, root, infoFor(data, 1), now)
	assert.NoError(t, err)
	bad := infoFor(append(append([]byte(nil), data...), 'x'), 1)
	_, err = VerifyTargets(data, root, bad, now)
	assert.ErrorIs(t, err, metadata.ErrLengthOrHashMismatch{})
}

func TestVerifyTargetsExpired(t *testing.T) {
	now := time.Now().UTC()
	repo := newTestRepo(t, futureTime())
	root, err := LoadRoot(repo.signedRoot(t))
	require.NoError(t, err)

	tg := metadata.Targets(now.Add(-time.Minute))
	data := repo.signedTargets(t, tg)

	_, err = VerifyTargets(data, root, nil, now)
	assert.ErrorIs(t, err, metadata.ErrExpiredMetadata{})
}

func TestTrustedBytesRoundTrip(t *testing.T) {
	repo := newTestRepo(t, futureTime())
	data := repo.signedRoot(t)
	trusted, err := LoadRoot(data)
	require.NoError(t, err)

	out, err := trusted.Bytes()
	require.NoError(t, err)
	reloaded, err := LoadRoot(out)
	require.NoError(t, err)
	assert.Equal(t, trusted.Signed().Version, reloaded.Signed().Version)
}
