// Package client implements the check-for-updates protocol: the
// ordered download, verification and caching of the four metadata
// roles, root recovery after verification failures, and verified
// package downloads against an abstract repository transport.
package client

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/secureindex/go-secureindex/metadata"
	"github.com/secureindex/go-secureindex/metadata/config"
	"github.com/secureindex/go-secureindex/metadata/trust"
	"github.com/secureindex/go-secureindex/repository"
)

// State names the engine's position inside an update cycle.
type State int

const (
	StateIdle State = iota
	StateTimestamping
	StateSnapshotting
	StateUpdatingRoot
	StateIndexRefreshing
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTimestamping:
		return "timestamping"
	case StateSnapshotting:
		return "snapshotting"
	case StateUpdatingRoot:
		return "updating-root"
	case StateIndexRefreshing:
		return "index-refreshing"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Updater runs the client update workflow against one repository. It
// is single threaded: a refresh call performs the whole cycle before
// returning, and concurrent refreshes against the same cache are the
// caller's responsibility to exclude.
type Updater struct {
	repo repository.Repository
	cfg  *config.UpdaterConfig
	now  func() time.Time

	state       State
	trustedRoot *trust.Trusted[metadata.RootType]

	// versions of the last verified-and-committed documents; the cache
	// holds only verified bytes, so these seed rollback protection
	cachedTimestampVersion int64
	cachedSnapshotVersion  int64
}

// New creates an Updater and loads the cached trust anchor. The client
// cannot start without one; install it with Cache.Bootstrap first.
func New(repo repository.Repository, cfg *config.UpdaterConfig) (*Updater, error) {
	if cfg == nil {
		cfg = config.New()
	}
	up := &Updater{
		repo:  repo,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		state: StateIdle,
	}
	rootPath, err := repo.GetCachedRoot()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, err
	}
	up.trustedRoot, err = trust.LoadRoot(data)
	if err != nil {
		return nil, err
	}
	up.seedCachedVersions()
	return up, nil
}

// State returns the engine's current protocol state.
func (up *Updater) State() State {
	return up.state
}

// RootVersion returns the version of the current trust anchor.
func (up *Updater) RootVersion() int64 {
	return up.trustedRoot.Signed().Version
}

// Refresh runs one check-for-updates cycle: timestamp, then snapshot,
// then a bounded number of root hops, then the index, downloading
// nothing until the previous role verified. On the first verification
// failure it recovers by re-fetching root under the existing anchor's
// keys and retrying the cycle once; a second failure is fatal.
func (up *Updater) Refresh() error {
	refTime := up.now()
	recovered := false

	// an expired trust anchor cannot vouch for timestamp; recover first
	rootSigned := up.trustedRoot.Signed()
	if rootSigned.IsExpired(refTime) {
		up.repo.Log(repository.VerificationError{Role: metadata.ROOT, Err: metadata.ErrExpiredMetadata{Role: metadata.ROOT}})
		if err := up.recoverRoot(refTime); err != nil {
			up.state = StateIdle
			return err
		}
		recovered = true
	}

	for {
		err := up.runCycle(refTime)
		if err == nil {
			up.state = StateIdle
			return nil
		}
		if !isVerificationError(err) {
			up.state = StateIdle
			return err
		}
		if recovered {
			up.state = StateIdle
			return metadata.ErrDoubleRecovery{Msg: err.Error()}
		}
		up.repo.Log(repository.VerificationError{Role: up.failingRole(), Err: err})
		if rerr := up.recoverRoot(refTime); rerr != nil {
			up.state = StateIdle
			return rerr
		}
		recovered = true
	}
}

// runCycle performs steps 2-7 of the protocol under the current root.
func (up *Updater) runCycle(refTime time.Time) error {
	var rootHops int64
	var snapshotFetched bool
	for {
		up.state = StateTimestamping
		ts, err := up.fetchTimestamp(refTime)
		if err != nil {
			return err
		}
		snapshotInfo := trust.SnapshotInfo(ts)

		// repository unchanged since the cached snapshot: nothing to do.
		// The index must still be consistent with that snapshot, or a
		// cycle that committed snapshot but failed on the index would
		// terminate here with a stale index.
		if !snapshotFetched && up.cachedSnapshotVersion != 0 &&
			snapshotInfo.Version == up.cachedSnapshotVersion && up.indexConsistent() {
			return nil
		}

		up.state = StateSnapshotting
		sn, err := up.fetchSnapshot(snapshotInfo, refTime)
		if err != nil {
			return err
		}
		snapshotFetched = true

		rootInfo := trust.RootInfo(sn)
		if rootInfo.Version > up.trustedRoot.Signed().Version {
			up.state = StateUpdatingRoot
			rootHops++
			if rootHops > up.cfg.MaxRootRotations {
				return metadata.ErrTooManyRootRotations{Limit: up.cfg.MaxRootRotations}
			}
			if err := up.fetchRoot(rootInfo, refTime); err != nil {
				return err
			}
			up.repo.Log(repository.RootUpdated{Version: up.trustedRoot.Signed().Version})
			// the new root may bind new keys for the other roles
			continue
		}

		up.state = StateIndexRefreshing
		return up.refreshIndex(sn)
	}
}

// fetchTimestamp downloads and verifies timestamp.json. No higher role
// publishes its length, so it is bounded by a conservative constant.
func (up *Updater) fetchTimestamp(refTime time.Time) (*trust.Trusted[metadata.TimestampType], error) {
	var ts *trust.Trusted[metadata.TimestampType]
	err := up.repo.WithRemote(repository.RemoteTimestamp(), func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		ts, err = trust.VerifyTimestamp(data, up.trustedRoot, refTime, up.cachedTimestampVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	up.cachedTimestampVersion = ts.Signed().Version
	return ts, nil
}

// fetchSnapshot downloads and verifies snapshot.json against the file
// info the trusted timestamp published for it.
func (up *Updater) fetchSnapshot(info *metadata.MetaFiles, refTime time.Time) (*trust.Trusted[metadata.SnapshotType], error) {
	var sn *trust.Trusted[metadata.SnapshotType]
	err := up.repo.WithRemote(repository.RemoteSnapshot(info.Length), func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		sn, err = trust.VerifySnapshot(data, up.trustedRoot, info, refTime, up.cachedSnapshotVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	up.cachedSnapshotVersion = sn.Signed().Version
	return sn, nil
}

// fetchRoot downloads the newer root the snapshot references and
// installs it as the trust anchor after chain verification.
func (up *Updater) fetchRoot(info *metadata.MetaFiles, refTime time.Time) error {
	return up.repo.WithRemote(repository.RemoteRoot(info.Length), func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		if err := info.VerifyLengthHashes(data); err != nil {
			return err
		}
		newRoot, err := trust.VerifyRoot(data, up.trustedRoot, refTime)
		if err != nil {
			return err
		}
		up.trustedRoot = newRoot
		return nil
	})
}

// recoverRoot re-fetches root with no published length, verifying the
// handover under the current anchor's key bindings even if that anchor
// is expired.
func (up *Updater) recoverRoot(refTime time.Time) error {
	up.state = StateRecovering
	file := repository.RemoteRoot(0)
	file.BustCache = true
	return up.repo.WithRemote(file, func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		newRoot, err := trust.VerifyRoot(data, up.trustedRoot, refTime)
		if err != nil {
			return err
		}
		up.trustedRoot = newRoot
		return nil
	})
}

// refreshIndex replaces the cached index when the snapshot's file info
// no longer matches it. The index is downloaded at most once per cycle.
func (up *Updater) refreshIndex(sn *trust.Trusted[metadata.SnapshotType]) error {
	tgzInfo, tarInfo := trust.IndexInfo(sn)

	if name, data, err := up.cachedIndex(); err == nil {
		info := tgzInfo
		if !strings.HasSuffix(name, ".gz") {
			info = tarInfo
		}
		if info != nil && info.VerifyLengthHashes(data) == nil {
			return nil
		}
	}

	var tarLength int64
	if tarInfo != nil {
		tarLength = tarInfo.Length
	}
	file := repository.RemoteIndex(tgzInfo.Length, tarLength)
	return up.repo.WithRemote(file, func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		info := tgzInfo
		if !strings.HasSuffix(tmpPath, ".gz") {
			info = tarInfo
			if info == nil {
				return metadata.ErrValue{Msg: "transport served the tar index form without snapshot file info for it"}
			}
		}
		return info.VerifyLengthHashes(data)
	})
}

// PackageTargets reads the per-package targets metadata lazily from
// the cached index and verifies it under the current trust anchor. The
// index bytes themselves are already bound by snapshot, so no separate
// file info is required.
func (up *Updater) PackageTargets(pkg repository.PackageID) (*trust.Trusted[metadata.TargetsType], error) {
	data, err := up.repo.ReadFromIndex(pkg.TargetsPath())
	if err != nil {
		return nil, err
	}
	return trust.VerifyTargets(data, up.trustedRoot, nil, up.now())
}

// DownloadPackage fetches the package tarball, verifies it against the
// per-package targets metadata and writes it to destPath. Package
// tarballs are never cached.
func (up *Updater) DownloadPackage(pkg repository.PackageID, destPath string) error {
	targets, err := up.PackageTargets(pkg)
	if err != nil {
		return err
	}
	info, err := packageFileInfo(targets.Signed(), pkg)
	if err != nil {
		return err
	}
	return up.repo.WithRemote(repository.RemotePkgTarGz(pkg, info.Length), func(tmpPath string) error {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		if err := info.VerifyLengthHashes(data); err != nil {
			return err
		}
		return os.WriteFile(destPath, data, 0644)
	})
}

// packageFileInfo locates the tarball entry in the per-package targets
// metadata; repositories key it either by bare file name or by the
// full server path.
func packageFileInfo(targets metadata.TargetsType, pkg repository.PackageID) (*metadata.TargetFiles, error) {
	if info, ok := targets.Targets[pkg.TarGzName()]; ok {
		return info, nil
	}
	if info, ok := targets.Targets[pkg.TarGzPath()]; ok {
		return info, nil
	}
	return nil, metadata.ErrValue{Msg: fmt.Sprintf("targets metadata for %s has no entry for its tarball", pkg)}
}

// seedCachedVersions reads the versions of the cached timestamp and
// snapshot. Only bytes that passed verification are ever committed, so
// the versions can be read without re-verifying signatures.
func (up *Updater) seedCachedVersions() {
	if p, err := up.repo.GetCached(metadata.TIMESTAMP); err == nil {
		if m, err := metadata.Timestamp().FromFile(p); err == nil {
			up.cachedTimestampVersion = m.Signed.Version
		}
	}
	if p, err := up.repo.GetCached(metadata.SNAPSHOT); err == nil {
		if m, err := metadata.Snapshot().FromFile(p); err == nil {
			up.cachedSnapshotVersion = m.Signed.Version
		}
	}
}

// indexConsistent reports whether the cached index matches the file
// info of the cached snapshot. Both files hold verified bytes, so they
// can be compared without re-verifying signatures.
func (up *Updater) indexConsistent() bool {
	p, err := up.repo.GetCached(metadata.SNAPSHOT)
	if err != nil {
		return false
	}
	sn, err := metadata.Snapshot().FromFile(p)
	if err != nil {
		return false
	}
	name, data, err := up.cachedIndex()
	if err != nil {
		return false
	}
	info := sn.Signed.Meta[metadata.IndexTarGz]
	if !strings.HasSuffix(name, ".gz") {
		info = sn.Signed.Meta[metadata.IndexTar]
	}
	return info != nil && info.VerifyLengthHashes(data) == nil
}

// cachedIndex returns the cached index file name and bytes, in
// whichever form is present.
func (up *Updater) cachedIndex() (string, []byte, error) {
	for _, name := range []string{metadata.IndexTar, metadata.IndexTarGz} {
		p, err := up.repo.GetCached(name)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", nil, err
		}
		return name, data, nil
	}
	return "", nil, metadata.ErrNotCached{Name: metadata.IndexTarGz}
}

// failingRole maps the state a failure happened in to the role named
// in the warning event.
func (up *Updater) failingRole() string {
	switch up.state {
	case StateTimestamping:
		return metadata.TIMESTAMP
	case StateSnapshotting:
		return metadata.SNAPSHOT
	case StateUpdatingRoot:
		return metadata.ROOT
	case StateIndexRefreshing:
		return "index"
	default:
		return ""
	}
}

// isVerificationError reports whether err is a failure the engine may
// answer with root recovery. Transport failures and engine-internal
// bounds are not recoverable by rotating root.
func isVerificationError(err error) bool {
	if errors.Is(err, metadata.ErrRepository{}) {
		return true
	}
	// a ceiling-bounded endless-data read is treated like tampering
	if errors.Is(err, metadata.ErrDownloadLengthMismatch{}) {
		return true
	}
	return false
}
