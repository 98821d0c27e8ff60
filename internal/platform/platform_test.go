//go:build (linux || darwin || freebsd) && !ios && !android && (amd64 || arm64)

package platform

import (
	"runtime"
	"strings"
	"testing"
)

func TestLibraryExtension(t *testing.T) {
	switch runtime.GOOS {
	case "darwin":
		if LibraryExtension != ".dylib" {
			t.Errorf("expected .dylib, got %s", LibraryExtension)
		}
	default:
		if LibraryExtension != ".so" {
			t.Errorf("expected .so, got %s", LibraryExtension)
		}
	}
}

func TestFormatLibraryName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		goos    string
		want    string
	}{
		{"c", 6, "linux", "libc.so.6"},
		{"c", 0, "linux", "libc.so"},
		{"System.B", 0, "darwin", "libSystem.B.dylib"},
		{"c", 7, "freebsd", "libc.so.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name+"_"+tt.goos, func(t *testing.T) {
			if runtime.GOOS != tt.goos {
				t.Skipf("test only applies to %s", tt.goos)
			}
			got := FormatLibraryName(tt.name, tt.version)
			if got != tt.want {
				t.Errorf("FormatLibraryName(%q, %d) = %q, want %q", tt.name, tt.version, got, tt.want)
			}
		})
	}
}

func TestCRuntimeCandidates(t *testing.T) {
	got := CRuntimeCandidates()
	if len(got) == 0 {
		t.Fatal("CRuntimeCandidates should return at least one name")
	}
	for _, name := range got {
		if !strings.Contains(name, LibraryExtension) {
			t.Errorf("candidate %q lacks extension %q", name, LibraryExtension)
		}
	}
}
