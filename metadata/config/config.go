package config

// UpdaterConfig bounds one update cycle: how far a download may run
// when no higher role published a length, and how many root hops a
// single cycle tolerates.
type UpdaterConfig struct {
	// MaxRootRotations bounds root hops within one cycle; the recovery
	// fetch is not counted against it.
	MaxRootRotations int64
	// TimestampMaxLength bounds the timestamp download, which never has
	// a published length.
	TimestampMaxLength int64
	// RootMaxLength bounds the root download during recovery, when no
	// snapshot length is available.
	RootMaxLength int64
	// SnapshotMaxLength applies when timestamp publishes no length.
	SnapshotMaxLength int64
	// IndexMaxLength applies when snapshot publishes no length for an
	// index form.
	IndexMaxLength int64
}

// New creates an UpdaterConfig instance with the conservative defaults
// used by the update engine.
func New() *UpdaterConfig {
	return &UpdaterConfig{
		MaxRootRotations:   2,
		TimestampMaxLength: 16384,   // bytes
		RootMaxLength:      1048576, // bytes
		SnapshotMaxLength:  2000000, // bytes
		IndexMaxLength:     67108864, // bytes
	}
}
