package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfoIsNeverEmpty(t *testing.T) {
	v, c, d := Info()
	if v == "" || c == "" || d == "" {
		t.Fatalf("build info must not be empty: %q %q %q", v, c, d)
	}
	if GetVersion() != v {
		t.Fatalf("GetVersion() = %q, want %q", GetVersion(), v)
	}
	if s := String(); !strings.Contains(s, "version="+v) || !strings.Contains(s, "commit="+c) {
		t.Fatalf("unexpected String(): %s", s)
	}

	fields := Fields()
	for _, key := range []string{"version", "commit", "build_date"} {
		if fields[key] == "" || fields[key] == nil {
			t.Fatalf("field %s must be set: %+v", key, fields)
		}
	}
}

func TestFromBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "false"},
	}

	c, d := fromBuildSettings(settings, "unknown", "unknown")
	if c != "0123456789ab" {
		t.Fatalf("expected short revision, got %q", c)
	}
	if d != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected date %q", d)
	}

	c, d = fromBuildSettings(settings, "ldflags-commit", "ldflags-date")
	if c != "ldflags-commit" || d != "ldflags-date" {
		t.Fatalf("ldflags values must win, got %q %q", c, d)
	}

	c, d = fromBuildSettings(nil, "unknown", "unknown")
	if c != "unknown" || d != "unknown" {
		t.Fatalf("missing settings must keep defaults, got %q %q", c, d)
	}
}
