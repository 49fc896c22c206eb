// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for courier packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. Runtime
// timing in tests goes through lib/clock's fake; these helpers are the
// only place where a real wall-clock timeout appears, and only to turn
// a hang into a failure.
//
// [Logger] returns a logger that writes through t.Log so that runtime
// logs appear next to the failing test.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
