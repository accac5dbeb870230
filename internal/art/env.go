package art

import (
	"errors"
	"fmt"
)

// ErrBadReturn is returned by the typed call helpers when a method returns
// a value of the wrong type.
var ErrBadReturn = errors.New("unexpected return type")

// NativeMethod is one entry of a RegisterNatives table.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        MethodFunc
}

// Env is the per-thread interface to the runtime (a JNIEnv). An Env
// belongs to one thread and must not be shared between goroutines.
type Env struct {
	rt      *Runtime
	tid     ThreadID
	pending *Throwable
}

// Runtime returns the runtime env belongs to.
func (e *Env) Runtime() *Runtime { return e.rt }

// Thread returns the thread env belongs to.
func (e *Env) Thread() ThreadID { return e.tid }

// FindClass returns the named class, or raises NoClassDefFoundError.
func (e *Env) FindClass(name string) (*Class, error) {
	c, ok := e.rt.LookupClass(name)
	if !ok {
		return nil, e.ThrowNew(NoClassDefFoundError, name)
	}
	return c, nil
}

// GetStaticMethodID returns the static method (name, sig) of c, or raises
// NoSuchMethodError.
func (e *Env) GetStaticMethodID(c *Class, name, sig string) (*Method, error) {
	if c == nil {
		return nil, e.ThrowNew(NullPointerException, "class")
	}
	m, ok := c.Method(name, sig)
	if !ok {
		return nil, e.ThrowNew(NoSuchMethodError, c.Name+"."+name+sig)
	}
	return m, nil
}

// Call invokes m with args. A method that raises leaves its exception
// pending and it is also returned as the error.
func (e *Env) Call(m *Method, args ...Value) (Value, error) {
	if m == nil {
		return nil, e.ThrowNew(NullPointerException, "method")
	}
	params := m.sig.Params
	if len(args) != len(params) {
		return nil, e.ThrowNew(IllegalArgumentError,
			fmt.Sprintf("%s: got %d arguments, want %d", m, len(args), len(params)))
	}
	for i, p := range params {
		if !assignable(p, args[i]) {
			return nil, e.ThrowNew(IllegalArgumentError,
				fmt.Sprintf("%s: argument %d: %T is not %s", m, i, args[i], p))
		}
	}

	fn := m.Class.target(m)
	if fn == nil {
		return nil, e.ThrowNew(UnsatisfiedLinkError, m.String())
	}

	before := e.pending
	v, err := fn(e, args)
	if err != nil {
		t := asThrowable(err)
		e.pending = t
		return nil, t
	}
	if e.pending != nil && e.pending != before {
		return nil, e.pending
	}
	return v, nil
}

// CallStaticIntMethod calls a method returning I.
func (e *Env) CallStaticIntMethod(m *Method, args ...Value) (int32, error) {
	v, err := e.Call(m, args...)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int32)
	if !ok {
		return 0, fmt.Errorf("%w: %s returned %T", ErrBadReturn, m, v)
	}
	return n, nil
}

// CallStaticBooleanMethod calls a method returning Z.
func (e *Env) CallStaticBooleanMethod(m *Method, args ...Value) (bool, error) {
	v, err := e.Call(m, args...)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned %T", ErrBadReturn, m, v)
	}
	return b, nil
}

// CallStaticObjectMethod calls a method returning a reference. The result
// is not checked against the declared return type.
func (e *Env) CallStaticObjectMethod(m *Method, args ...Value) (Value, error) {
	return e.Call(m, args...)
}

// CallStaticVoidMethod calls a method returning V.
func (e *Env) CallStaticVoidMethod(m *Method, args ...Value) error {
	_, err := e.Call(m, args...)
	return err
}

// RegisterNatives binds native methods of c. Every entry must name a
// declared native method exactly; the first mismatch raises
// NoSuchMethodError and stops registration.
func (e *Env) RegisterNatives(c *Class, methods []NativeMethod) error {
	if c == nil {
		return e.ThrowNew(NullPointerException, "class")
	}
	for _, nm := range methods {
		if err := c.bind(nm.Name, nm.Signature, nm.Fn); err != nil {
			return e.ThrowNew(NoSuchMethodError, c.Name+"."+nm.Name+nm.Signature)
		}
	}
	return nil
}

// Throw makes t the pending exception.
func (e *Env) Throw(t *Throwable) {
	e.pending = t
}

// ThrowNew raises a new exception of class and returns it.
func (e *Env) ThrowNew(class, message string) *Throwable {
	t := NewThrowable(class, message)
	e.pending = t
	return t
}

// ExceptionCheck reports whether an exception is pending.
func (e *Env) ExceptionCheck() bool {
	return e.pending != nil
}

// ExceptionOccurred returns the pending exception, or nil.
func (e *Env) ExceptionOccurred() *Throwable {
	return e.pending
}

// ExceptionClear discards the pending exception.
func (e *Env) ExceptionClear() {
	e.pending = nil
}

func asThrowable(err error) *Throwable {
	var t *Throwable
	if errors.As(err, &t) {
		return t
	}
	return NewThrowable(RuntimeException, err.Error())
}
