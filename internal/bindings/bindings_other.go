//go:build !((linux || darwin || freebsd) && !ios && !android && (amd64 || arm64))

package bindings

import (
	"errors"
	"unsafe"
)

// ErrNotLoaded is returned when allocation functions are called before Load().
var ErrNotLoaded = errors.New("refbridge: C runtime not loaded")

// ErrLibraryNotFound is returned when the C runtime cannot be found.
var ErrLibraryNotFound = errors.New("refbridge: C runtime library not found")

// IsLoaded always returns false: purego cannot dlopen on this platform.
func IsLoaded() bool { return false }

// Load always fails on this platform; callers fall back to Go heap blocks.
func Load() error { return ErrLibraryNotFound }

// LibrarySearchPaths returns no paths on this platform.
func LibrarySearchPaths() []string { return nil }

// LibraryPath returns "".
func LibraryPath() string { return "" }

// Calloc always returns ErrNotLoaded on this platform.
func Calloc(size int) (unsafe.Pointer, error) { return nil, ErrNotLoaded }

// Free is a no-op on this platform.
func Free(ptr unsafe.Pointer) {}
