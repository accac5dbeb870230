package art

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoSuchMethod is returned when no method matches name and signature.
	ErrNoSuchMethod = errors.New("no such method")
	// ErrUnbound is returned when a native method has no binding.
	ErrUnbound = errors.New("native method not bound")
	// ErrMethodExists is returned when a method is declared twice.
	ErrMethodExists = errors.New("method already declared")
)

// MethodFunc implements a method. A returned *Throwable becomes the
// pending exception of env; any other error is raised as
// java.lang.RuntimeException.
type MethodFunc func(env *Env, args []Value) (Value, error)

// Method is a static method of a class, either managed (fixed body) or
// native (body looked up in the class binding table on every call).
type Method struct {
	Class     *Class
	Name      string
	Signature string
	Native    bool

	sig  *Signature
	body MethodFunc
}

func (m *Method) String() string {
	return m.Class.Name + "." + m.Name + m.Signature
}

type methodKey struct {
	name, sig string
}

// Class is a loaded class with its method table and native binding table.
type Class struct {
	Name string // binary name with slashes, e.g. "android/os/Binder"

	mu       sync.RWMutex
	methods  map[methodKey]*Method
	bindings map[methodKey]MethodFunc
}

// NewClass creates an empty class.
func NewClass(name string) *Class {
	return &Class{
		Name:     name,
		methods:  make(map[methodKey]*Method),
		bindings: make(map[methodKey]MethodFunc),
	}
}

// DeclareStatic adds a managed static method with body fn.
func (c *Class) DeclareStatic(name, sig string, fn MethodFunc) error {
	_, err := c.declare(name, sig, false, fn)
	return err
}

// DeclareNative adds a native method. fn is its initial binding and may be
// nil, in which case calls fail until RegisterNatives binds it.
func (c *Class) DeclareNative(name, sig string, fn MethodFunc) error {
	_, err := c.declare(name, sig, true, fn)
	return err
}

func (c *Class) declare(name, sig string, native bool, fn MethodFunc) (*Method, error) {
	parsed, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := methodKey{name, sig}
	if _, ok := c.methods[key]; ok {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrMethodExists, c.Name, name, sig)
	}
	m := &Method{Class: c, Name: name, Signature: sig, Native: native, sig: parsed}
	if native {
		if fn != nil {
			c.bindings[key] = fn
		}
	} else {
		m.body = fn
	}
	c.methods[key] = m
	return m, nil
}

// Method returns the method with exactly this name and signature.
func (c *Class) Method(name, sig string) (*Method, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.methods[methodKey{name, sig}]
	return m, ok
}

// Binding returns the current binding of a native method.
func (c *Class) Binding(name, sig string) (MethodFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.bindings[methodKey{name, sig}]
	return fn, ok && fn != nil
}

// bind sets the binding of a declared native method.
func (c *Class) bind(name, sig string, fn MethodFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := methodKey{name, sig}
	m, ok := c.methods[key]
	if !ok || !m.Native {
		return fmt.Errorf("%w: native %s.%s%s", ErrNoSuchMethod, c.Name, name, sig)
	}
	c.bindings[key] = fn
	return nil
}

// PatchNative replaces the binding of the native method (name, sig). patch
// receives the current binding and returns the replacement; both happen
// under the class lock, so no call observes the replacement before its
// original is known. The previous binding is returned.
func (c *Class) PatchNative(name, sig string, patch func(prev MethodFunc) MethodFunc) (MethodFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := methodKey{name, sig}
	m, ok := c.methods[key]
	if !ok || !m.Native {
		return nil, fmt.Errorf("%w: native %s.%s%s", ErrNoSuchMethod, c.Name, name, sig)
	}
	prev := c.bindings[key]
	if prev == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrUnbound, c.Name, name, sig)
	}
	c.bindings[key] = patch(prev)
	return prev, nil
}

// target returns the function a call to m runs.
func (c *Class) target(m *Method) MethodFunc {
	if !m.Native {
		return m.body
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bindings[methodKey{m.Name, m.Signature}]
}
