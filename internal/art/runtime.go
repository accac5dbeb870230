// Package art models the managed runtime a virtualized app runs on: classes
// with JNI method descriptors, per-thread environments with pending
// exceptions, native binding tables and JavaVM-style thread attachment.
package art

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/log"
)

var (
	// ErrDetached is returned by GetEnv for a thread that is not attached.
	ErrDetached = errors.New("thread not attached")
	// ErrAttachRefused is returned when the runtime refuses to attach a thread.
	ErrAttachRefused = errors.New("attach refused")
	// ErrClassExists is returned when a class name is defined twice.
	ErrClassExists = errors.New("class already defined")
)

// ThreadID identifies a guest thread.
type ThreadID int64

// Value is a managed value: bool, int32, int64, float32, float64, string,
// *File, *Class, []int64, []string, or nil for null.
type Value = any

// File is a java.io.File.
type File struct {
	Path string
}

// NewFile returns a File for path.
func NewFile(path string) *File { return &File{Path: path} }

// Throwable is a managed exception.
type Throwable struct {
	Class   string // e.g. "java/io/IOException"
	Message string
}

// NewThrowable creates a throwable of class with message.
func NewThrowable(class, message string) *Throwable {
	return &Throwable{Class: class, Message: message}
}

func (t *Throwable) Error() string {
	name := strings.ReplaceAll(t.Class, "/", ".")
	if t.Message == "" {
		return name
	}
	return name + ": " + t.Message
}

// Exception classes raised by the runtime itself.
const (
	NoClassDefFoundError = "java/lang/NoClassDefFoundError"
	NoSuchMethodError    = "java/lang/NoSuchMethodError"
	UnsatisfiedLinkError = "java/lang/UnsatisfiedLinkError"
	IllegalArgumentError = "java/lang/IllegalArgumentException"
	NullPointerException = "java/lang/NullPointerException"
	RuntimeException     = "java/lang/RuntimeException"
	IOException          = "java/io/IOException"
)

// AttachGate decides whether a thread may attach. Returning an error refuses.
type AttachGate func(tid ThreadID) error

// Runtime is a managed runtime instance (one JavaVM).
type Runtime struct {
	mu      sync.RWMutex
	classes map[string]*Class
	threads map[ThreadID]*Env
	gate    AttachGate

	hiddenAPIExemptions     []string
	resourceLoadingRestrict bool

	log *log.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAttachGate installs a gate consulted by AttachCurrentThread.
func WithAttachGate(gate AttachGate) Option {
	return func(rt *Runtime) { rt.gate = gate }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(rt *Runtime) { rt.log = l }
}

// NewRuntime creates a runtime with no classes and no attached threads.
// Resource loading starts restricted.
func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{
		classes:                 make(map[string]*Class),
		threads:                 make(map[ThreadID]*Env),
		resourceLoadingRestrict: true,
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = log.Or(rt.log).WithComponent("art")
	return rt
}

// DefineClass makes c visible to FindClass.
func (rt *Runtime) DefineClass(c *Class) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.classes[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrClassExists, c.Name)
	}
	rt.classes[c.Name] = c
	return nil
}

// LookupClass returns a defined class without raising on failure. Both
// slash and dot forms are accepted.
func (rt *Runtime) LookupClass(name string) (*Class, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c, ok := rt.classes[strings.ReplaceAll(name, ".", "/")]
	return c, ok
}

// GetEnv returns the environment of an attached thread.
func (rt *Runtime) GetEnv(tid ThreadID) (*Env, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	env, ok := rt.threads[tid]
	if !ok {
		return nil, ErrDetached
	}
	return env, nil
}

// AttachCurrentThread attaches tid, or returns its existing environment.
func (rt *Runtime) AttachCurrentThread(tid ThreadID) (*Env, error) {
	env, _, err := rt.Attach(tid)
	return env, err
}

// Attach is AttachCurrentThread that also reports whether this call
// attached the thread.
func (rt *Runtime) Attach(tid ThreadID) (*Env, bool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if env, ok := rt.threads[tid]; ok {
		return env, false, nil
	}
	if rt.gate != nil {
		if err := rt.gate(tid); err != nil {
			return nil, false, fmt.Errorf("%w: thread %d: %v", ErrAttachRefused, tid, err)
		}
	}
	env := &Env{rt: rt, tid: tid}
	rt.threads[tid] = env
	rt.log.Debug("thread attached", log.Thread(int64(tid)))
	return env, true, nil
}

// DetachCurrentThread detaches tid.
func (rt *Runtime) DetachCurrentThread(tid ThreadID) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.threads[tid]; !ok {
		return ErrDetached
	}
	delete(rt.threads, tid)
	rt.log.Debug("thread detached", log.Thread(int64(tid)))
	return nil
}

// AttachedThreads returns the number of attached threads.
func (rt *Runtime) AttachedThreads() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.threads)
}

// SetHiddenAPIExemptions replaces the hidden API exemption prefixes.
func (rt *Runtime) SetHiddenAPIExemptions(prefixes []string) {
	rt.mu.Lock()
	rt.hiddenAPIExemptions = append([]string(nil), prefixes...)
	rt.mu.Unlock()
	rt.log.Info("hidden api exemptions", zap.Strings("prefixes", prefixes))
}

// HiddenAPIExempt reports whether the member signature is exempt from
// hidden API checks.
func (rt *Runtime) HiddenAPIExempt(member string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, p := range rt.hiddenAPIExemptions {
		if strings.HasPrefix(member, p) {
			return true
		}
	}
	return false
}

// SetResourceLoadingRestricted toggles the resource-loading restriction.
func (rt *Runtime) SetResourceLoadingRestricted(v bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resourceLoadingRestrict = v
}

// ResourceLoadingRestricted reports whether resource loading is restricted.
func (rt *Runtime) ResourceLoadingRestricted() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.resourceLoadingRestrict
}
