// Package trace collects the events consumer hooks emit while the guest
// runs.
package trace

import (
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Redirect    Tag = "redirect"
	Identity    Tag = "identity"
	Dex         Tag = "dex"
	Deflate     Tag = "deflate"
	Fallback    Tag = "fallback"
	ClassLoader Tag = "classloader"
	Library     Tag = "library"
	File        Tag = "file"
	Syscall     Tag = "syscall"
	Capture     Tag = "capture"
	Hidden      Tag = "hidden"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one observation made by a hook.
type Event struct {
	Thread      int64       // Guest thread the hook ran on
	Hook        string      // Hook ID (e.g., "filesystem.openat")
	Tags        Tags        // First is primary
	Detail      string      // e.g. "/data/data/a -> /data/prison/a"
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time
}

// NewEvent creates an event tagged with category.
func NewEvent(thread int64, category Tag, hook, detail string) *Event {
	return &Event{
		Thread:    thread,
		Tags:      Tags{category},
		Hook:      hook,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Sink receives events. A nil Sink drops them.
type Sink func(e *Event)

// Emit sends e to s if s is set.
func (s Sink) Emit(e *Event) {
	if s != nil {
		DefaultEnricher(e)
		s(e)
	}
}

// DefaultEnricher adds secondary tags based on the primary tag, the hook
// and the annotations.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Redirect:
		e.AddTag(File)
	case Syscall:
		switch e.Hook {
		case "open", "openat", "access", "faccessat", "stat", "fstatat",
			"mkdir", "mkdirat", "unlink", "unlinkat", "readlinkat":
			e.AddTag(File)
		case "deflate", "deflateInit_", "deflateEnd":
			e.AddTag(Deflate)
		}
	case Deflate:
		if e.Annotations["file"] != "" {
			e.AddTag(Capture)
		}
	case ClassLoader:
		if e.Annotations["hidden"] == "true" {
			e.AddTag(Hidden)
		}
	}
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Collector is a Sink that keeps events in order. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []*Event
}

// Sink returns a Sink appending to c.
func (c *Collector) Sink() Sink {
	return func(e *Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}
}

// Events returns the collected events.
func (c *Collector) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Tagged returns the collected events carrying tag.
func (c *Collector) Tagged(tag Tag) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Tags.Has(tag) {
			out = append(out, e)
		}
	}
	return out
}
