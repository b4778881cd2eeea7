// SPDX-FileCopyrightText: © 2026 Securewire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package version reports the build provenance of the running binary,
// read from the Go module's embedded VCS metadata rather than
// ldflags-injected constants.
package version

import "github.com/carlmjohnson/versioninfo"

// String returns a one-line build identifier suitable for a startup log
// line or a diagnostic endpoint: the module version (or "devel"), the
// short commit hash, and a "-dirty" suffix if the working tree had
// uncommitted changes at build time.
func String() string {
	s := versioninfo.Short()
	return s
}

// Revision is the VCS commit hash the running binary was built from, or
// "unknown" if no VCS metadata was embedded.
func Revision() string {
	return versioninfo.Revision
}

// Dirty reports whether the working tree had uncommitted changes at
// build time.
func Dirty() bool {
	return versioninfo.DirtyBuild
}
