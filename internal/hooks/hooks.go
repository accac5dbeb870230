// Package hooks defines the consumer hooks the core installs: Java
// filesystem, libc filesystem, class loader, library loading, Binder
// identity, dex loading and zlib capture.
package hooks

import (
	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/log"
	"github.com/zboralski/prison/internal/redirect"
	"github.com/zboralski/prison/internal/trace"
)

// Consumer names, in install order.
const (
	UnixFileSystem = "UnixFileSystem"
	FileSystem     = "FileSystem"
	VMClassLoader  = "VMClassLoader"
	Runtime        = "Runtime"
	Binder         = "Binder"
	DexFile        = "DexFile"
	Zlib           = "Zlib"
)

// Deps is what the consumer hooks call into.
type Deps struct {
	Bridge *bridge.Bridge
	Rules  *redirect.Store
	// PackageName is the virtualized package.
	PackageName string
	Capture     CaptureConfig
	Trace       trace.Sink
	Logger      *log.Logger
}

// Consumer is a named group of descriptors installed together.
type Consumer struct {
	Name        string
	Descriptors []*hook.Descriptor
}

// Consumers returns the consumer hooks in install order.
func Consumers(d Deps) []Consumer {
	d.Logger = log.Or(d.Logger).WithComponent("hooks")
	return []Consumer{
		{UnixFileSystem, unixFileSystem(d)},
		{FileSystem, fileSystem(d)},
		{VMClassLoader, vmClassLoader(d)},
		{Runtime, runtimeLoad(d)},
		{Binder, binder(d)},
		{DexFile, dexFile(d)},
		{Zlib, zlib(d)},
	}
}

// emit sends an event to the trace sink.
func (d Deps) emit(tid art.ThreadID, tag trace.Tag, id, detail string, kv ...string) {
	if d.Trace == nil {
		return
	}
	ev := trace.NewEvent(int64(tid), tag, id, detail)
	for i := 0; i+1 < len(kv); i += 2 {
		ev.Annotate(kv[i], kv[i+1])
	}
	d.Trace.Emit(ev)
}

// fallback records a bridge failure that was absorbed.
func (d Deps) fallback(tid art.ThreadID, id string, err error) {
	d.emit(tid, trace.Fallback, id, err.Error())
}
