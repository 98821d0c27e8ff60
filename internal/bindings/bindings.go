//go:build (linux || darwin || freebsd) && !ios && !android && (amd64 || arm64)

// Package bindings loads the platform C runtime with purego and exposes the
// allocation functions native payload blocks are carved from.
package bindings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/obinnaokechukwu/refbridge/internal/platform"
)

// ErrNotLoaded is returned when allocation functions are called before Load().
var ErrNotLoaded = errors.New("refbridge: C runtime not loaded")

// ErrLibraryNotFound is returned when the C runtime cannot be found.
var ErrLibraryNotFound = errors.New("refbridge: C runtime library not found")

var (
	libC uintptr

	loaded   bool
	loadOnce sync.Once
	loadErr  error
	libPath  string
)

// Function bindings
var (
	cCalloc func(n, size uintptr) unsafe.Pointer
	cFree   func(ptr unsafe.Pointer)
)

// IsLoaded returns true if the C runtime has been successfully loaded.
func IsLoaded() bool {
	return loaded
}

// Load loads the C runtime and registers the allocation bindings.
// It is safe to call multiple times; subsequent calls are no-ops.
func Load() error {
	loadOnce.Do(func() {
		loadErr = doLoad()
		if loadErr == nil {
			loaded = true
		}
	})
	return loadErr
}

func doLoad() error {
	var err error
	libC, libPath, err = loadLibrary(platform.CRuntimeCandidates())
	if err != nil {
		return fmt.Errorf("loading C runtime: %w", err)
	}

	purego.RegisterLibFunc(&cCalloc, libC, "calloc")
	purego.RegisterLibFunc(&cFree, libC, "free")
	return nil
}

// loadLibrary tries each candidate first on the search paths, then by bare name.
func loadLibrary(candidates []string) (uintptr, string, error) {
	for _, searchPath := range LibrarySearchPaths() {
		for _, name := range candidates {
			if filepath.IsAbs(name) {
				continue
			}
			fullPath := filepath.Join(searchPath, name)
			if lib, err := tryOpen(fullPath); err == nil {
				return lib, fullPath, nil
			}
		}
	}

	// Let the dynamic loader resolve it
	for _, name := range candidates {
		if lib, err := tryOpen(name); err == nil {
			return lib, name, nil
		}
	}

	return 0, "", fmt.Errorf("%w: tried %v", ErrLibraryNotFound, candidates)
}

func tryOpen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}

// LibrarySearchPaths returns platform-specific library search paths.
func LibrarySearchPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "linux":
		if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
			paths = append(paths, filepath.SplitList(ldPath)...)
		}
		paths = append(paths,
			"/lib/x86_64-linux-gnu",
			"/lib/aarch64-linux-gnu",
			"/usr/lib/x86_64-linux-gnu",
			"/usr/lib/aarch64-linux-gnu",
			"/lib64",
			"/usr/lib",
			"/lib",
		)

	case "darwin":
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			paths = append(paths, filepath.SplitList(dyldPath)...)
		}
		paths = append(paths, "/usr/lib")

	case "freebsd":
		if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
			paths = append(paths, filepath.SplitList(ldPath)...)
		}
		paths = append(paths, "/lib", "/usr/lib")
	}

	return paths
}

// LibraryPath returns the path the C runtime was loaded from, or "" if not loaded.
func LibraryPath() string {
	return libPath
}

// Calloc allocates size zeroed bytes outside the Go heap. It returns
// ErrNotLoaded before a successful Load, and a nil pointer with no error when
// size is not positive or calloc itself fails.
func Calloc(size int) (unsafe.Pointer, error) {
	if !loaded || cCalloc == nil {
		return nil, ErrNotLoaded
	}
	if size <= 0 {
		return nil, nil
	}
	return cCalloc(1, uintptr(size)), nil
}

// Free releases memory obtained from Calloc. Safe to call with nil.
func Free(ptr unsafe.Pointer) {
	if !loaded || cFree == nil || ptr == nil {
		return
	}
	cFree(ptr)
}
