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

// Package repository defines the abstract transport the update engine
// runs against, the closed set of files a repository serves, and the
// durable local cache shared by transport implementations.
package repository

import (
	"fmt"
)

// Repository is the capability bundle the update engine needs: one
// remote operation and the local cache operations. Implementations
// decide how bytes move (local directory, in-memory test double, ...);
// the engine decides what to trust.
type Repository interface {
	// WithRemote downloads file to a temporary path and invokes fn with
	// it. The download must not exceed file.Ceiling (or TarLength for a
	// tar-form index); the temporary file is released on every exit
	// path. When fn returns nil the file is moved to its permanent
	// cached location unless MustCache says DontCache; when fn returns
	// an error the bytes are discarded and the error is returned. For
	// the index, the temporary path's extension reports which form the
	// transport served.
	WithRemote(file RemoteFile, fn func(tmpPath string) error) error

	// GetCached returns the path of a cached file (a role file name or
	// an index file name), or metadata.ErrNotCached.
	GetCached(name string) (string, error)

	// GetCachedRoot returns the path of the cached trust anchor. The
	// client cannot operate without one.
	GetCachedRoot() (string, error)

	// ClearCache removes the cached timestamp and snapshot. The cached
	// root and index survive.
	ClearCache() error

	// ReadFromIndex returns the bytes of one small file inside the
	// cached index, or metadata.ErrNotCached.
	ReadFromIndex(target string) ([]byte, error)

	// Log delivers a progress or warning event.
	Log(ev Event)
}

// Event is the closed set of notifications the engine emits while
// updating. Fatal errors are returned from calls, never logged.
type Event interface {
	fmt.Stringer
	event()
}

// RootUpdated reports that the trust anchor was rotated during a
// normal update cycle.
type RootUpdated struct {
	Version int64
}

func (RootUpdated) event() {}

func (e RootUpdated) String() string {
	return fmt.Sprintf("root updated to version %d", e.Version)
}

// VerificationError reports a recoverable verification failure; the
// engine follows it with a root recovery pass.
type VerificationError struct {
	Role string
	Err  error
}

func (VerificationError) event() {}

func (e VerificationError) String() string {
	return fmt.Sprintf("verification of %s failed: %v", e.Role, e.Err)
}
