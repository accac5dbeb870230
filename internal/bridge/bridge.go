package bridge

import (
	"errors"
	"fmt"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/log"
)

var (
	// ErrBindingUnavailable is returned when the policy method was never
	// resolved or no binding exists yet.
	ErrBindingUnavailable = errors.New("policy binding unavailable")
	// ErrPolicyException matches any *PolicyError.
	ErrPolicyException = errors.New("policy raised an exception")
	// ErrBadResult is returned when the policy answered with null or a value
	// of the wrong type.
	ErrBadResult = errors.New("policy returned an unusable result")
)

// PolicyError wraps an exception thrown by a policy method. The exception
// has been cleared from the calling thread.
type PolicyError struct {
	Method    string
	Throwable *art.Throwable
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s threw %v", e.Method, e.Throwable)
}

// Is reports ErrPolicyException.
func (e *PolicyError) Is(target error) bool { return target == ErrPolicyException }

// Unwrap returns the exception.
func (e *PolicyError) Unwrap() error { return e.Throwable }

// Bridge performs policy calls on behalf of hooks. Every operation returns
// the caller's original value alongside a non-nil error, so a caller can
// always use the first result. A nil *Bridge is valid and reports
// ErrBindingUnavailable.
type Bridge struct {
	binding *Binding
	attach  *Attacher
	log     *log.Logger
}

// New creates a bridge over b, attaching threads through a.
func New(b *Binding, a *Attacher, l *log.Logger) *Bridge {
	return &Bridge{binding: b, attach: a, log: log.Or(l).WithComponent("bridge")}
}

// Binding returns the binding the bridge calls through.
func (br *Bridge) Binding() *Binding {
	if br == nil {
		return nil
	}
	return br.binding
}

// CallingUID asks the policy which UID to report in place of orig.
func (br *Bridge) CallingUID(tid art.ThreadID, orig int32) (int32, error) {
	v, err := br.invoke(tid, br.Binding().method(hGetCallingUID), MethodGetCallingUID, orig)
	if err != nil {
		return orig, br.fallback(MethodGetCallingUID, err)
	}
	uid, ok := v.(int32)
	if !ok {
		return orig, br.fallback(MethodGetCallingUID, fmt.Errorf("%w: %T", ErrBadResult, v))
	}
	return uid, nil
}

// RedirectPath asks the policy where path should point. An empty path is
// returned unchanged without a call.
func (br *Bridge) RedirectPath(tid art.ThreadID, path string) (string, error) {
	if path == "" {
		return path, nil
	}
	v, err := br.invoke(tid, br.Binding().method(hRedirectPathString), MethodRedirectPath, path)
	if err != nil {
		return path, br.fallback(MethodRedirectPath, err)
	}
	s, ok := v.(string)
	if !ok {
		return path, br.fallback(MethodRedirectPath, fmt.Errorf("%w: %T", ErrBadResult, v))
	}
	return s, nil
}

// RedirectFile is RedirectPath for file objects. A nil file is returned
// unchanged without a call.
func (br *Bridge) RedirectFile(tid art.ThreadID, f *art.File) (*art.File, error) {
	if f == nil {
		return nil, nil
	}
	v, err := br.invoke(tid, br.Binding().method(hRedirectPathFile), MethodRedirectPath, f)
	if err != nil {
		return f, br.fallback(MethodRedirectPath, err)
	}
	out, ok := v.(*art.File)
	if !ok || out == nil {
		return f, br.fallback(MethodRedirectPath, fmt.Errorf("%w: %T", ErrBadResult, v))
	}
	return out, nil
}

// LoadEmptyDex asks the policy for the cookies of a placeholder dex. The
// original value is nil: nothing loaded.
func (br *Bridge) LoadEmptyDex(tid art.ThreadID) ([]int64, error) {
	v, err := br.invoke(tid, br.Binding().method(hLoadEmptyDex), MethodLoadEmptyDex)
	if err != nil {
		return nil, br.fallback(MethodLoadEmptyDex, err)
	}
	cookies, ok := v.([]int64)
	if !ok || cookies == nil {
		return nil, br.fallback(MethodLoadEmptyDex, fmt.Errorf("%w: %T", ErrBadResult, v))
	}
	return cookies, nil
}

// invoke calls m on the thread's environment. An exception already
// pending on the thread is set aside for the call and restored after.
func (br *Bridge) invoke(tid art.ThreadID, m *art.Method, name string, args ...art.Value) (art.Value, error) {
	if m == nil {
		return nil, ErrBindingUnavailable
	}
	env, err := br.attach.EnsureAttached(tid)
	if err != nil {
		return nil, err
	}

	if prior := env.ExceptionOccurred(); prior != nil {
		env.ExceptionClear()
		defer env.Throw(prior)
	}

	v, err := env.Call(m, args...)
	if t := env.ExceptionOccurred(); t != nil {
		env.ExceptionClear()
		return nil, &PolicyError{Method: name, Throwable: t}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResult, err)
	}
	return v, nil
}

func (br *Bridge) fallback(op string, err error) error {
	if br != nil {
		br.log.Fallback(op, err)
	}
	return err
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Attached int64
	Missing  []string
}

// Stats reports how many threads were attached and which methods are missing.
func (br *Bridge) Stats() Stats {
	if br == nil || br.binding == nil {
		return Stats{}
	}
	return Stats{Attached: br.attach.Attached(), Missing: br.binding.Missing()}
}
