package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/redirect"
)

func loadDefault(t *testing.T, host Host) (*Policy, *art.Runtime, *art.Env) {
	t.Helper()
	p, err := Load(Config{Host: host})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	rt := art.NewRuntime()
	if _, err := p.Define(rt); err != nil {
		t.Fatalf("Failed to define policy class: %v", err)
	}
	env, err := rt.AttachCurrentThread(1)
	if err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	return p, rt, env
}

func method(t *testing.T, env *art.Env, name, sig string) *art.Method {
	t.Helper()
	c, err := env.FindClass(bridge.DefaultClass)
	if err != nil {
		t.Fatalf("FindClass: %v", err)
	}
	m, err := env.GetStaticMethodID(c, name, sig)
	if err != nil {
		t.Fatalf("GetStaticMethodID(%s%s): %v", name, sig, err)
	}
	return m
}

func TestDefaultCallingUID(t *testing.T) {
	_, _, env := loadDefault(t, Host{HostUID: 10050, VirtualUID: 10123, PackageName: "com.example"})
	m := method(t, env, bridge.MethodGetCallingUID, bridge.SigGetCallingUID)

	tests := []struct {
		name string
		in   int32
		want int32
	}{
		{"system uid", 1000, 1000},
		{"root", 0, 0},
		{"isolated range", 99000, 99000},
		{"other app", 10060, 10060},
		{"host uid spoofed", 10050, 10123},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.CallStaticIntMethod(m, tt.in)
			if err != nil {
				t.Fatalf("getCallingUid(%d): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("getCallingUid(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultCallingUIDFallsBackToHost(t *testing.T) {
	for _, host := range []Host{
		{HostUID: 10050, VirtualUID: 0, PackageName: "com.example"},
		{HostUID: 10050, VirtualUID: 10123, PackageName: "com.google.android.webview"},
	} {
		_, _, env := loadDefault(t, host)
		m := method(t, env, bridge.MethodGetCallingUID, bridge.SigGetCallingUID)
		got, err := env.CallStaticIntMethod(m, int32(10050))
		if err != nil || got != 10050 {
			t.Errorf("host %+v: getCallingUid = %d, %v; want 10050", host, got, err)
		}
	}
}

func TestDefaultRedirectPath(t *testing.T) {
	rules, _ := redirect.New(redirect.Rule{Source: "/data/data/com.example", Target: "/data/data/host/prison/com.example"})
	_, _, env := loadDefault(t, Host{Rules: rules})
	m := method(t, env, bridge.MethodRedirectPath, bridge.SigRedirectPathString)

	tests := []struct{ in, want string }{
		{"/data/data/com.example/files/a", "/data/data/host/prison/com.example/files/a"},
		{"/data/data/host/prison/com.example/x", "/data/data/host/prison/com.example/x"},
		{"/system/bin/su", "/system/bin/su-fake"},
		{"/etc/hosts", "/etc/hosts"},
	}
	for _, tt := range tests {
		got, err := env.CallStaticObjectMethod(m, tt.in)
		if err != nil {
			t.Fatalf("redirectPath(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("redirectPath(%q) = %v, want %q", tt.in, got, tt.want)
		}
	}

	fm := method(t, env, bridge.MethodRedirectPath, bridge.SigRedirectPathFile)
	got, err := env.CallStaticObjectMethod(fm, art.NewFile("/data/data/com.example/db"))
	if err != nil {
		t.Fatalf("redirectPath(File): %v", err)
	}
	f, ok := got.(*art.File)
	if !ok || f.Path != "/data/data/host/prison/com.example/db" {
		t.Errorf("redirectPath(File) = %v", got)
	}
}

func TestDefaultLoadEmptyDex(t *testing.T) {
	var calledOn art.ThreadID
	_, _, env := loadDefault(t, Host{OpenEmptyDex: func(tid art.ThreadID) ([]int64, error) {
		calledOn = tid
		return []int64{11, 12}, nil
	}})
	m := method(t, env, bridge.MethodLoadEmptyDex, bridge.SigLoadEmptyDex)
	got, err := env.CallStaticObjectMethod(m)
	if err != nil {
		t.Fatalf("loadEmptyDex: %v", err)
	}
	cookies, ok := got.([]int64)
	if !ok || len(cookies) != 2 || cookies[0] != 11 {
		t.Errorf("loadEmptyDex = %#v", got)
	}
	if calledOn != 1 {
		t.Errorf("OpenEmptyDex called on thread %d, want 1", calledOn)
	}
}

func TestDefaultLoadEmptyDexFailure(t *testing.T) {
	_, _, env := loadDefault(t, Host{OpenEmptyDex: func(art.ThreadID) ([]int64, error) {
		return nil, errors.New("no jar")
	}})
	m := method(t, env, bridge.MethodLoadEmptyDex, bridge.SigLoadEmptyDex)
	got, err := env.CallStaticObjectMethod(m)
	if err != nil {
		t.Fatalf("loadEmptyDex: %v", err)
	}
	if cookies, ok := got.([]int64); !ok || len(cookies) != 0 || cookies == nil {
		t.Errorf("loadEmptyDex = %#v, want empty non-nil array", got)
	}
}

func TestPartialScript(t *testing.T) {
	p, err := Load(Config{Name: "partial.js", Source: `function getCallingUid(uid) { return uid + 1; }`})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fns := p.Functions(); len(fns) != 1 || fns[0] != FuncGetCallingUID {
		t.Errorf("Functions() = %v", fns)
	}
	c, err := p.Class()
	if err != nil {
		t.Fatalf("Class: %v", err)
	}
	if _, ok := c.Method(bridge.MethodRedirectPath, bridge.SigRedirectPathString); ok {
		t.Error("redirectPath declared without a script function")
	}
	for _, n := range Natives {
		m, ok := c.Method(n.Name, n.Signature)
		if !ok || !m.Native {
			t.Errorf("control native %s%s not declared", n.Name, n.Signature)
		}
	}
}

func TestRedirectFileOverride(t *testing.T) {
	p, err := Load(Config{Name: "file.js", Source: `
		function redirectPath(p) { return "/s" + p; }
		function redirectFile(p) { return "/f" + p; }
	`})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := art.NewRuntime()
	p.Define(rt)
	env, _ := rt.AttachCurrentThread(1)

	got, err := env.CallStaticObjectMethod(method(t, env, bridge.MethodRedirectPath, bridge.SigRedirectPathFile), art.NewFile("/a"))
	if err != nil || got.(*art.File).Path != "/f/a" {
		t.Errorf("File overload = %v, %v", got, err)
	}
}

func TestScriptErrors(t *testing.T) {
	if _, err := Load(Config{Name: "bad.js", Source: "function ("}); !errors.Is(err, ErrScript) {
		t.Errorf("syntax error: got %v, want ErrScript", err)
	}

	p, err := Load(Config{Name: "throw.js", Source: `
		function getCallingUid(uid) { throw new Error("nope"); }
		function redirectPath(p) { throw {class: "java/io/IOException", message: "denied"}; }
		function loadEmptyDex() { return null; }
	`})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := art.NewRuntime()
	p.Define(rt)
	env, _ := rt.AttachCurrentThread(1)

	_, err = env.CallStaticIntMethod(method(t, env, bridge.MethodGetCallingUID, bridge.SigGetCallingUID), int32(1))
	var th *art.Throwable
	if !errors.As(err, &th) || th.Class != art.RuntimeException || !strings.Contains(th.Message, "nope") {
		t.Errorf("JS Error: got %v", err)
	}
	env.ExceptionClear()

	_, err = env.CallStaticObjectMethod(method(t, env, bridge.MethodRedirectPath, bridge.SigRedirectPathString), "/a")
	if !errors.As(err, &th) || th.Class != art.IOException || th.Message != "denied" {
		t.Errorf("thrown class: got %v", err)
	}
	env.ExceptionClear()

	v, err := env.CallStaticObjectMethod(method(t, env, bridge.MethodLoadEmptyDex, bridge.SigLoadEmptyDex))
	if err != nil || v != nil {
		t.Errorf("null result = %v, %v", v, err)
	}
}

func TestTimeout(t *testing.T) {
	p, err := Load(Config{
		Name:    "loop.js",
		Source:  `function getCallingUid(uid) { for (;;) {} }`,
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := art.NewRuntime()
	p.Define(rt)
	env, _ := rt.AttachCurrentThread(1)
	m := method(t, env, bridge.MethodGetCallingUID, bridge.SigGetCallingUID)

	_, err = env.CallStaticIntMethod(m, int32(1))
	var th *art.Throwable
	if !errors.As(err, &th) || !strings.Contains(th.Message, "exceeded") {
		t.Fatalf("expected timeout exception, got %v", err)
	}
	env.ExceptionClear()

	// The VM is usable after an interrupt.
	if _, err := p.vm.RunString("1 + 1"); err != nil {
		t.Errorf("VM unusable after timeout: %v", err)
	}
}

func TestReentry(t *testing.T) {
	var p *Policy
	var inner string
	var err error
	p, err = Load(Config{
		Name:   "reentry.js",
		Source: DefaultScript,
		Host: Host{OpenEmptyDex: func(tid art.ThreadID) ([]int64, error) {
			// Placeholder loading goes back through the policy on the
			// same thread.
			rt := art.NewRuntime()
			p.Define(rt)
			env, _ := rt.AttachCurrentThread(tid)
			c, _ := env.FindClass(bridge.DefaultClass)
			m, _ := env.GetStaticMethodID(c, bridge.MethodRedirectPath, bridge.SigRedirectPathString)
			v, err := env.Call(m, "/data/prison/empty.jar")
			if err != nil {
				return nil, err
			}
			inner = v.(string)
			return []int64{1}, nil
		}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := art.NewRuntime()
	p.Define(rt)
	env, _ := rt.AttachCurrentThread(3)
	m := method(t, env, bridge.MethodLoadEmptyDex, bridge.SigLoadEmptyDex)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.CallStaticObjectMethod(m)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant policy call deadlocked")
	}
	if inner != "/data/prison/empty.jar" {
		t.Errorf("inner redirectPath = %q", inner)
	}
}
