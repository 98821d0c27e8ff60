//go:build (linux || darwin || freebsd) && !ios && !android && (amd64 || arm64)

// Package platform provides platform detection for refbridge's native layer.
// It determines how the C runtime backing native payload memory is named on the
// current operating system.
package platform

import (
	"fmt"
	"runtime"
)

// LibraryExtension is the file extension for shared libraries on this platform.
var LibraryExtension string

// LibraryPrefix is the prefix for shared library names on this platform.
var LibraryPrefix string

func init() {
	switch runtime.GOOS {
	case "darwin":
		LibraryExtension = ".dylib"
		LibraryPrefix = "lib"
	default: // linux, freebsd
		LibraryExtension = ".so"
		LibraryPrefix = "lib"
	}
}

// FormatLibraryName returns the platform-specific library filename.
// If version is 0, returns the unversioned library name.
//
// Examples:
//   - Linux:   FormatLibraryName("c", 6) -> "libc.so.6"
//   - macOS:   FormatLibraryName("System.B", 0) -> "libSystem.B.dylib"
func FormatLibraryName(name string, version int) string {
	switch runtime.GOOS {
	case "darwin":
		if version > 0 {
			return fmt.Sprintf("%s%s.%d%s", LibraryPrefix, name, version, LibraryExtension)
		}
		return fmt.Sprintf("%s%s%s", LibraryPrefix, name, LibraryExtension)
	default: // linux, freebsd
		if version > 0 {
			return fmt.Sprintf("%s%s%s.%d", LibraryPrefix, name, LibraryExtension, version)
		}
		return fmt.Sprintf("%s%s%s", LibraryPrefix, name, LibraryExtension)
	}
}

// CRuntimeCandidates returns the library names to try, in order, when loading the
// C runtime that provides calloc and free.
func CRuntimeCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/usr/lib/" + FormatLibraryName("System.B", 0), FormatLibraryName("System.B", 0)}
	case "freebsd":
		return []string{FormatLibraryName("c", 7), FormatLibraryName("c", 0)}
	default:
		return []string{FormatLibraryName("c", 6), FormatLibraryName("c", 0)}
	}
}
