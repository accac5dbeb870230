package bridge

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/zboralski/prison/internal/art"
)

// policyClass declares the policy methods whose body is non-nil.
func policyClass(t *testing.T, rt *art.Runtime, bodies map[string]art.MethodFunc) {
	t.Helper()
	c := art.NewClass(DefaultClass)
	for key, fn := range bodies {
		i := strings.IndexByte(key, '(')
		if err := c.DeclareStatic(key[:i], key[i:], fn); err != nil {
			t.Fatalf("Failed to declare %s: %v", key, err)
		}
	}
	if err := rt.DefineClass(c); err != nil {
		t.Fatalf("Failed to define class: %v", err)
	}
}

func newBridge(t *testing.T, rt *art.Runtime, cfg Config) *Bridge {
	t.Helper()
	env, err := rt.AttachCurrentThread(1)
	if err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	return New(Bind(env, cfg, nil), NewAttacher(rt, nil), nil)
}

func fullPolicy() map[string]art.MethodFunc {
	return map[string]art.MethodFunc{
		MethodGetCallingUID + SigGetCallingUID: func(env *art.Env, args []art.Value) (art.Value, error) {
			if args[0].(int32) == 10001 {
				return int32(10100), nil
			}
			return args[0], nil
		},
		MethodRedirectPath + SigRedirectPathString: func(env *art.Env, args []art.Value) (art.Value, error) {
			p := args[0].(string)
			if strings.HasPrefix(p, "/data/data/x") {
				return "/data/prison/x" + strings.TrimPrefix(p, "/data/data/x"), nil
			}
			return p, nil
		},
		MethodRedirectPath + SigRedirectPathFile: func(env *art.Env, args []art.Value) (art.Value, error) {
			return art.NewFile("/redirected" + args[0].(*art.File).Path), nil
		},
		MethodLoadEmptyDex + SigLoadEmptyDex: func(env *art.Env, args []art.Value) (art.Value, error) {
			return []int64{7}, nil
		},
	}
}

func TestBind(t *testing.T) {
	rt := art.NewRuntime()
	bodies := fullPolicy()
	delete(bodies, MethodLoadEmptyDex+SigLoadEmptyDex)
	policyClass(t, rt, bodies)

	env, _ := rt.AttachCurrentThread(1)
	long := strings.Repeat("p", 200)
	b := Bind(env, Config{APILevel: 30, PackageName: long}, nil)

	if b.Class == nil {
		t.Fatal("policy class not bound")
	}
	if b.APILevel != 30 {
		t.Errorf("APILevel = %d, want 30", b.APILevel)
	}
	if len(b.PackageName) != MaxPackageName {
		t.Errorf("package name length = %d, want %d", len(b.PackageName), MaxPackageName)
	}
	missing := b.Missing()
	if len(missing) != 1 || missing[0] != MethodLoadEmptyDex+SigLoadEmptyDex {
		t.Errorf("Missing() = %v", missing)
	}
	if env.ExceptionCheck() {
		t.Errorf("Bind left exception pending: %v", env.ExceptionOccurred())
	}
}

func TestBindMissingClass(t *testing.T) {
	rt := art.NewRuntime()
	env, _ := rt.AttachCurrentThread(1)
	b := Bind(env, Config{Class: "no/Such", APILevel: 21, PackageName: "pkg"}, nil)
	if b.Class != nil {
		t.Fatal("class bound for missing class")
	}
	if b.APILevel != 21 || b.PackageName != "pkg" {
		t.Errorf("facts not copied: %+v", b)
	}
	if len(b.Missing()) != 4 {
		t.Errorf("Missing() = %v, want all four", b.Missing())
	}
	if env.ExceptionCheck() {
		t.Errorf("Bind left exception pending: %v", env.ExceptionOccurred())
	}

	br := New(b, NewAttacher(rt, nil), nil)
	uid, err := br.CallingUID(1, 10001)
	if !errors.Is(err, ErrBindingUnavailable) || uid != 10001 {
		t.Errorf("CallingUID = %d, %v; want original and ErrBindingUnavailable", uid, err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
	// "é" is two bytes; cutting at 2 would split it.
	if got := truncate("aé", 2); got != "a" {
		t.Errorf("truncate multibyte = %q, want %q", got, "a")
	}
}

func TestOperations(t *testing.T) {
	rt := art.NewRuntime()
	policyClass(t, rt, fullPolicy())
	br := newBridge(t, rt, Config{APILevel: 30, PackageName: "x"})

	uid, err := br.CallingUID(1, 10001)
	if err != nil || uid != 10100 {
		t.Errorf("CallingUID(10001) = %d, %v", uid, err)
	}
	uid, err = br.CallingUID(1, 1000)
	if err != nil || uid != 1000 {
		t.Errorf("CallingUID(1000) = %d, %v", uid, err)
	}

	p, err := br.RedirectPath(1, "/data/data/x/files/a")
	if err != nil || p != "/data/prison/x/files/a" {
		t.Errorf("RedirectPath = %q, %v", p, err)
	}
	p, err = br.RedirectPath(1, "")
	if err != nil || p != "" {
		t.Errorf("RedirectPath(\"\") = %q, %v", p, err)
	}

	f, err := br.RedirectFile(1, art.NewFile("/a"))
	if err != nil || f.Path != "/redirected/a" {
		t.Errorf("RedirectFile = %v, %v", f, err)
	}
	f, err = br.RedirectFile(1, nil)
	if err != nil || f != nil {
		t.Errorf("RedirectFile(nil) = %v, %v", f, err)
	}

	cookies, err := br.LoadEmptyDex(1)
	if err != nil || len(cookies) != 1 || cookies[0] != 7 {
		t.Errorf("LoadEmptyDex = %v, %v", cookies, err)
	}
}

func TestFallbacks(t *testing.T) {
	boom := func(env *art.Env, args []art.Value) (art.Value, error) {
		return nil, env.ThrowNew(art.RuntimeException, "boom")
	}
	null := func(env *art.Env, args []art.Value) (art.Value, error) { return nil, nil }

	rt := art.NewRuntime()
	policyClass(t, rt, map[string]art.MethodFunc{
		MethodGetCallingUID + SigGetCallingUID:     boom,
		MethodRedirectPath + SigRedirectPathString: null,
		MethodRedirectPath + SigRedirectPathFile:   null,
		MethodLoadEmptyDex + SigLoadEmptyDex:       boom,
	})
	br := newBridge(t, rt, Config{})

	uid, err := br.CallingUID(1, 10001)
	if uid != 10001 || !errors.Is(err, ErrPolicyException) {
		t.Errorf("CallingUID = %d, %v; want original and ErrPolicyException", uid, err)
	}
	var pe *PolicyError
	if !errors.As(err, &pe) || pe.Throwable.Message != "boom" {
		t.Errorf("error %v is not a PolicyError carrying the throwable", err)
	}
	env, _ := rt.GetEnv(1)
	if env.ExceptionCheck() {
		t.Errorf("exception left pending: %v", env.ExceptionOccurred())
	}

	p, err := br.RedirectPath(1, "/a")
	if p != "/a" || !errors.Is(err, ErrBadResult) {
		t.Errorf("RedirectPath = %q, %v; want original and ErrBadResult", p, err)
	}
	in := art.NewFile("/a")
	f, err := br.RedirectFile(1, in)
	if f != in || !errors.Is(err, ErrBadResult) {
		t.Errorf("RedirectFile = %v, %v; want original and ErrBadResult", f, err)
	}
	cookies, err := br.LoadEmptyDex(1)
	if cookies != nil || !errors.Is(err, ErrPolicyException) {
		t.Errorf("LoadEmptyDex = %v, %v", cookies, err)
	}
}

func TestNilBridge(t *testing.T) {
	var br *Bridge
	if uid, err := br.CallingUID(1, 5); uid != 5 || !errors.Is(err, ErrBindingUnavailable) {
		t.Errorf("nil CallingUID = %d, %v", uid, err)
	}
	if p, err := br.RedirectPath(1, "/a"); p != "/a" || !errors.Is(err, ErrBindingUnavailable) {
		t.Errorf("nil RedirectPath = %q, %v", p, err)
	}
	if c, err := br.LoadEmptyDex(1); c != nil || !errors.Is(err, ErrBindingUnavailable) {
		t.Errorf("nil LoadEmptyDex = %v, %v", c, err)
	}
	if s := br.Stats(); s.Attached != 0 {
		t.Errorf("nil Stats = %+v", s)
	}
}

func TestPendingExceptionPreserved(t *testing.T) {
	rt := art.NewRuntime()
	policyClass(t, rt, fullPolicy())
	br := newBridge(t, rt, Config{})

	env, _ := rt.GetEnv(1)
	prior := env.ThrowNew(art.IOException, "open failed")
	if _, err := br.LoadEmptyDex(1); err != nil {
		t.Fatalf("LoadEmptyDex with pending exception: %v", err)
	}
	if env.ExceptionOccurred() != prior {
		t.Errorf("pending exception = %v, want %v", env.ExceptionOccurred(), prior)
	}
}

func TestAttach(t *testing.T) {
	rt := art.NewRuntime(art.WithAttachGate(func(tid art.ThreadID) error {
		if tid < 0 {
			return fmt.Errorf("native-only thread")
		}
		return nil
	}))
	policyClass(t, rt, fullPolicy())
	br := newBridge(t, rt, Config{})

	// Thread 2 is unknown to the runtime until the first policy call.
	if uid, err := br.CallingUID(2, 10001); err != nil || uid != 10100 {
		t.Fatalf("CallingUID on fresh thread = %d, %v", uid, err)
	}
	if _, err := rt.GetEnv(2); err != nil {
		t.Errorf("thread 2 not attached: %v", err)
	}
	// Re-entry does not attach again.
	br.CallingUID(2, 10001)
	if got := br.Stats().Attached; got != 1 {
		t.Errorf("Attached = %d, want 1", got)
	}

	uid, err := br.CallingUID(-1, 10001)
	if uid != 10001 || !errors.Is(err, ErrAttachFailed) {
		t.Errorf("CallingUID on refused thread = %d, %v", uid, err)
	}
}

func TestConcurrentThreads(t *testing.T) {
	rt := art.NewRuntime()
	policyClass(t, rt, fullPolicy())
	br := newBridge(t, rt, Config{})

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		tid := art.ThreadID(100 + i)
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				p, err := br.RedirectPath(tid, "/data/data/x/f")
				if err != nil {
					return err
				}
				if p != "/data/prison/x/f" {
					return fmt.Errorf("thread %d: got %q", tid, p)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := br.Stats().Attached; got != 32 {
		t.Errorf("Attached = %d, want 32", got)
	}
}

func TestAttachSameThreadConcurrently(t *testing.T) {
	rt := art.NewRuntime()
	a := NewAttacher(rt, nil)

	envs := make([]*art.Env, 64)
	var g errgroup.Group
	for i := range envs {
		g.Go(func() error {
			env, err := a.EnsureAttached(5)
			envs[i] = env
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("EnsureAttached: %v", err)
	}
	for _, env := range envs {
		if env != envs[0] {
			t.Fatal("threads got different environments")
		}
	}
	if got := a.Attached(); got != 1 {
		t.Errorf("Attached = %d, want 1", got)
	}
}
