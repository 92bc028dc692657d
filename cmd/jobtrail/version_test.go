package main

import (
	"testing"
)

func TestParseSemver(t *testing.T) {
	tests := []struct {
		input string
		want  [3]int
	}{
		{"1.0.0", [3]int{1, 0, 0}},
		{"v1.0.0", [3]int{1, 0, 0}},
		{"2.3.4", [3]int{2, 3, 4}},
		{"v10.20.30", [3]int{10, 20, 30}},
		{"1.2", [3]int{1, 2, 0}},
		{"1", [3]int{1, 0, 0}},
		{"", [3]int{0, 0, 0}},
		{"invalid", [3]int{0, 0, 0}},
		{"  v1.2.3  ", [3]int{0, 0, 0}}, // the prefix is only stripped before trimming
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseSemver(tt.input)
			if got != tt.want {
				t.Errorf("parseSemver(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.0.0", "1.0.1", -1},
		{"2.0.0", "1.9.9", 1},
		{"v1.0.0", "1.0.0", 0},
		{"1.1.0", "1.0.9", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := compareSemver(tt.a, tt.b); got != tt.want {
				t.Errorf("compareSemver(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestVersionConstant(t *testing.T) {
	parts := parseSemver(version)
	if parts[0] == 0 && parts[1] == 0 && parts[2] == 0 {
		t.Errorf("version %q should parse to valid semver", version)
	}
}

func TestVersionLine(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	defer func() { version, commit, date = oldVersion, oldCommit, oldDate }()

	t.Run("release version", func(t *testing.T) {
		version, commit, date = "v1.2.3", "none", "unknown"
		if got := versionLine(); got != "jobtrail version v1.2.3" {
			t.Fatalf("versionLine() = %q", got)
		}
	})

	t.Run("dev commit and date", func(t *testing.T) {
		version, commit, date = "dev", "abcdef012345", "2026-01-18T16:00:00Z"
		if got := versionLine(); got != "jobtrail version dev (commit abcdef0, built 2026-01-18T16:00:00Z)" {
			t.Fatalf("versionLine() = %q", got)
		}
	})
}

func TestServerVersionNote(t *testing.T) {
	tests := []struct {
		local, server string
		warn          bool
	}{
		{"0.1.0", "0.2.0", true},
		{"0.2.0", "0.1.0", false},
		{"0.1.0", "0.1.0", false},
		{"dev", "0.2.0", false},
		{"0.1.0", "", false},
	}
	for _, tt := range tests {
		got := serverVersionNote(tt.local, tt.server)
		if (got != "") != tt.warn {
			t.Errorf("serverVersionNote(%q, %q) = %q", tt.local, tt.server, got)
		}
	}
}
