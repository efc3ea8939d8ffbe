package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	if !strings.Contains(info, Version) {
		t.Errorf("Info() = %q, expected to contain version %q", info, Version)
	}
	if !strings.Contains(info, GitCommit) {
		t.Errorf("Info() = %q, expected to contain commit %q", info, GitCommit)
	}
}

func TestClientString(t *testing.T) {
	orig := GitCommit
	defer func() { GitCommit = orig }()

	GitCommit = "unknown"
	if got := ClientString(); got != "meshbridge/"+Version {
		t.Errorf("ClientString() = %q, want no commit suffix", got)
	}

	GitCommit = "abc1234"
	if got := ClientString(); got != "meshbridge/"+Version+"-abc1234" {
		t.Errorf("ClientString() = %q, want commit suffix", got)
	}
}
