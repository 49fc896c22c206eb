// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInjectedCommitWins(t *testing.T) {
	saved := GitCommit
	t.Cleanup(func() { GitCommit = saved })

	GitCommit = "abc1234"
	if Commit() != "abc1234" {
		t.Errorf("Commit() = %q, want injected value", Commit())
	}
	if !strings.Contains(Info(), "abc1234") {
		t.Errorf("Info() = %q, want commit included", Info())
	}
	build := Current()
	if build.Version != Version || build.Commit != "abc1234" || build.GoVersion == "" {
		t.Errorf("Current() = %+v", build)
	}
}
