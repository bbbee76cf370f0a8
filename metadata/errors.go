package metadata

import (
	"fmt"
)

// Error kinds raised by the metadata, trust and client layers. Names
// start with 'Err'. Every verification failure is a subset of
// ErrRepository so callers can classify with errors.Is; download
// failures, including a download that exceeds its length ceiling, are
// subsets of ErrDownload instead.

// ErrRepository - an error with a repository's state, such as missing or
// tampered metadata. It covers every failure that originates on the
// repository side as seen by a client of the metadata API.
type ErrRepository struct {
	Msg string
}

func (e ErrRepository) Error() string {
	return fmt.Sprintf("repository error: %s", e.Msg)
}

// ErrUnsignedMetadata - a role document with an insufficient threshold of signatures
type ErrUnsignedMetadata struct {
	Msg string
}

func (e ErrUnsignedMetadata) Error() string {
	return fmt.Sprintf("unsigned metadata error: %s", e.Msg)
}

// ErrUnsignedMetadata is a subset of ErrRepository
func (e ErrUnsignedMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrUnsignedMetadata{}
}

// ErrBadVersionNumber - metadata that contains an invalid version number
type ErrBadVersionNumber struct {
	Msg string
}

func (e ErrBadVersionNumber) Error() string {
	return fmt.Sprintf("bad version number error: %s", e.Msg)
}

// ErrBadVersionNumber is a subset of ErrRepository
func (e ErrBadVersionNumber) Is(target error) bool {
	return target == ErrRepository{} || target == ErrBadVersionNumber{}
}

// ErrRollback - a role document with a version strictly below the cached one
type ErrRollback struct {
	Role          string
	CachedVersion int64
	NewVersion    int64
}

func (e ErrRollback) Error() string {
	return fmt.Sprintf("rollback error: %s version %d is lower than cached version %d", e.Role, e.NewVersion, e.CachedVersion)
}

// ErrRollback is a subset of both ErrRepository and ErrBadVersionNumber
func (e ErrRollback) Is(target error) bool {
	return target == ErrRepository{} || target == ErrBadVersionNumber{} || target == ErrRollback{}
}

// ErrExpiredMetadata - a role document whose expiry is not in the future
type ErrExpiredMetadata struct {
	Role string
}

func (e ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("expired metadata error: %s.json is expired", e.Role)
}

// ErrExpiredMetadata is a subset of ErrRepository
func (e ErrExpiredMetadata) Is(target error) bool {
	return target == ErrRepository{} || target == ErrExpiredMetadata{}
}

// ErrLengthOrHashMismatch - file bytes disagree with the binding file info
type ErrLengthOrHashMismatch struct {
	Msg string
}

func (e ErrLengthOrHashMismatch) Error() string {
	return fmt.Sprintf("length/hash verification error: %s", e.Msg)
}

// ErrLengthOrHashMismatch is a subset of ErrRepository
func (e ErrLengthOrHashMismatch) Is(target error) bool {
	return target == ErrRepository{} || target == ErrLengthOrHashMismatch{}
}

// ErrValue - malformed metadata or missing required fields
type ErrValue struct {
	Msg string
}

func (e ErrValue) Error() string {
	return fmt.Sprintf("value error: %s", e.Msg)
}

// ErrValue is a subset of ErrRepository
func (e ErrValue) Is(target error) bool {
	return target == ErrRepository{} || target == ErrValue{}
}

// ErrType - a role document of the wrong type
type ErrType struct {
	Msg string
}

func (e ErrType) Error() string {
	return fmt.Sprintf("type error: %s", e.Msg)
}

// ErrType is a subset of ErrRepository
func (e ErrType) Is(target error) bool {
	return target == ErrRepository{} || target == ErrType{}
}

// Download errors

// ErrDownload - an error occurred while attempting to download a file
type ErrDownload struct {
	Msg string
}

func (e ErrDownload) Error() string {
	return fmt.Sprintf("download error: %s", e.Msg)
}

// ErrDownload matches any ErrDownload regardless of its message
func (e ErrDownload) Is(target error) bool {
	return target == ErrDownload{}
}

// ErrDownloadLengthMismatch - a download exceeded its length ceiling
type ErrDownloadLengthMismatch struct {
	Msg string
}

func (e ErrDownloadLengthMismatch) Error() string {
	return fmt.Sprintf("download length mismatch error: %s", e.Msg)
}

// ErrDownloadLengthMismatch is a subset of ErrDownload
func (e ErrDownloadLengthMismatch) Is(target error) bool {
	return target == ErrDownload{} || target == ErrDownloadLengthMismatch{}
}

// ErrNotCached - a requested file is not present in the local cache
type ErrNotCached struct {
	Name string
}

func (e ErrNotCached) Error() string {
	return fmt.Sprintf("not cached: %s", e.Name)
}

// Update engine errors

// ErrTooManyRootRotations - more root hops in one cycle than the configured bound
type ErrTooManyRootRotations struct {
	Limit int64
}

func (e ErrTooManyRootRotations) Error() string {
	return fmt.Sprintf("root rotation error: more than %d root rotations in a single update cycle", e.Limit)
}

// ErrDoubleRecovery - verification failed again after a root recovery pass
type ErrDoubleRecovery struct {
	Msg string
}

func (e ErrDoubleRecovery) Error() string {
	return fmt.Sprintf("double recovery error: %s", e.Msg)
}

// ErrRuntime - an internal invariant was violated
type ErrRuntime struct {
	Msg string
}

func (e ErrRuntime) Error() string {
	return fmt.Sprintf("runtime error: %s", e.Msg)
}
