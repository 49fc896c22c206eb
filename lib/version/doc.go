// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for courier binaries.
//
// [Version], [GitCommit] and [BuildTime] are injected with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/courier/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/courier-agent
//
// When GitCommit is not injected, [Commit] falls back to the VCS
// revision the Go toolchain stamps into the binary, if any.
//
// [Info] is the --version line. [Current] is the structured form served
// by the transport's /agent_info endpoint.
package version
