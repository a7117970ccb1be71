package protocol_test

import (
	"testing"

	"corral/pkg/protocol"
)

func TestDemandSatisfiedBy(t *testing.T) {
	t.Parallel()

	runner := protocol.Runner{
		ID:              "rn-abc",
		Hostname:        "build-01",
		ProjectDir:      "/srv/app",
		ExecutorProfile: "claude",
		Tags:            []string{"gpu", "linux"},
	}

	tests := []struct {
		name   string
		demand protocol.Demand
		want   bool
	}{
		{"empty demand matches anything", protocol.Demand{}, true},
		{"hostname match", protocol.Demand{Hostname: "build-01"}, true},
		{"hostname mismatch", protocol.Demand{Hostname: "build-02"}, false},
		{"project dir match", protocol.Demand{ProjectDir: "/srv/app"}, true},
		{"project dir mismatch", protocol.Demand{ProjectDir: "/srv/other"}, false},
		{"profile match", protocol.Demand{ExecutorProfile: "claude"}, true},
		{"profile mismatch", protocol.Demand{ExecutorProfile: "codex"}, false},
		{"single tag subset", protocol.Demand{Tags: []string{"gpu"}}, true},
		{"full tag subset", protocol.Demand{Tags: []string{"gpu", "linux"}}, true},
		{"missing tag", protocol.Demand{Tags: []string{"gpu", "macos"}}, false},
		{
			"all fields match",
			protocol.Demand{Hostname: "build-01", ExecutorProfile: "claude", Tags: []string{"linux"}},
			true,
		},
		{
			"one mismatch rejects despite others matching",
			protocol.Demand{Hostname: "build-01", ExecutorProfile: "codex"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.demand.SatisfiedBy(runner); got != tt.want {
				t.Errorf("SatisfiedBy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDemandRequireTags(t *testing.T) {
	t.Parallel()

	picky := protocol.Runner{
		Hostname:        "build-01",
		ExecutorProfile: "claude",
		Tags:            []string{"gpu"},
		RequireTags:     true,
	}

	if (protocol.Demand{}).SatisfiedBy(picky) {
		t.Error("require_matching_tags runner must refuse an untagged run")
	}
	if (protocol.Demand{Hostname: "build-01"}).SatisfiedBy(picky) {
		t.Error("scalar-only demand still counts as untagged")
	}
	if !(protocol.Demand{Tags: []string{"gpu"}}).SatisfiedBy(picky) {
		t.Error("tagged demand must match")
	}
}

func TestDemandIsZero(t *testing.T) {
	t.Parallel()

	if !(protocol.Demand{}).IsZero() {
		t.Error("empty demand must be zero")
	}
	if (protocol.Demand{Hostname: "h"}).IsZero() {
		t.Error("hostname demand is not zero")
	}
	if (protocol.Demand{Tags: []string{"a"}}).IsZero() {
		t.Error("tagged demand is not zero")
	}
}
