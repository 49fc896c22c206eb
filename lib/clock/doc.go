// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time for the agent runtime.
//
// Interval tasks, the registration refresh loop, dialogue session
// sweeps and synchronous reply deadlines all read time through a
// [Clock] rather than the time package. Production wiring passes
// [Real]; tests pass [Fake] and drive time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go agent.Run(ctx)
//	fake.WaitForTimers(2)           // interval ticker + registration ticker
//	fake.Advance(10 * time.Second)  // fire both deterministically
//
// WaitForTimers removes the race between a goroutine registering a
// ticker and the test advancing past it.
package clock
