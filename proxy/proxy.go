// Package proxy maps native identities to managed proxies.
//
// A Proxy is the Go-side handle for one native object and owns exactly one
// reference on it. The Registry guarantees at most one live Proxy per identity
// and decides reachability through the Go runtime itself: an entry is reachable
// while something outside the registry still holds its *Proxy. Once the Go
// collector has found a proxy unreachable, the registry's weak pointer reads nil
// and the Collector may detach the entry and release its reference.
package proxy

import (
	"fmt"
	"runtime"

	"github.com/obinnaokechukwu/refbridge/native"
)

// Proxy is the managed handle of a native object.
//
// A Proxy stays valid for as long as it is referenced; the native object cannot
// be destroyed underneath it.
type Proxy struct {
	obj    *native.Object
	serial uint64
}

// ID returns the identity of the underlying native object.
func (p *Proxy) ID() native.ID {
	return p.obj.ID()
}

// Kind returns the class name of the underlying native object.
func (p *Proxy) Kind() string {
	return p.obj.Kind()
}

// Serial distinguishes successive proxies created for the same identity.
func (p *Proxy) Serial() uint64 {
	return p.serial
}

// ReferenceCount returns the native object's instantaneous reference count.
// It includes the reference owned by this proxy, so it is always >= 1.
func (p *Proxy) ReferenceCount() int64 {
	n := p.obj.Refs()
	// p must stay reachable until the load is done, or a sweep could release
	// this proxy's own reference underneath the read.
	runtime.KeepAlive(p)
	return n
}

// Verify checks that the native object behind the proxy is still intact.
func (p *Proxy) Verify() error {
	err := p.obj.Verify()
	runtime.KeepAlive(p)
	return err
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s serial=%d)", p.obj, p.serial)
}
