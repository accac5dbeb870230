package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/guest"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/hooks"
	"github.com/zboralski/prison/internal/log"
	"github.com/zboralski/prison/internal/policy"
	"github.com/zboralski/prison/internal/trace"
)

const (
	hostUID    = 10050
	virtualUID = 10123
	pkg        = "com.example.app"
)

type fixture struct {
	fs     afero.Fs
	sys    *guest.System
	rt     *art.Runtime
	core   *Core
	env    *art.Env
	events *trace.Collector
}

func newFixture(t *testing.T, apiLevel int32) *fixture {
	t.Helper()
	f := &fixture{fs: afero.NewMemMapFs(), events: &trace.Collector{}}
	if err := afero.WriteFile(f.fs, "/data/prison/app/files/a.txt", []byte("redirected"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sys, err := guest.Boot(guest.Config{FS: f.fs})
	if err != nil {
		t.Fatalf("Failed to boot guest: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	f.sys = sys

	f.rt = art.NewRuntime()
	if err := art.InstallFramework(f.rt, art.FrameworkConfig{
		FS:         f.fs,
		CallingUID: hostUID,
		LoadLibrary: func(p string) error {
			_, err := sys.Load(p)
			return err
		},
	}); err != nil {
		t.Fatalf("InstallFramework: %v", err)
	}

	f.core, err = New(Config{
		Runtime:  f.rt,
		System:   sys,
		APILevel: apiLevel,
		Capture:  hooks.CaptureConfig{Package: pkg, Sink: &hooks.DirSink{FS: f.fs, Dir: "/captures"}},
		Trace:    f.events.Sink(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pol, err := policy.Load(policy.Config{Host: policy.Host{
		Rules:        f.core.Rules(),
		HostUID:      hostUID,
		VirtualUID:   virtualUID,
		PackageName:  pkg,
		APILevel:     int(apiLevel),
		OpenEmptyDex: f.core.OpenEmptyDex,
	}})
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	if _, err := pol.Define(f.rt); err != nil {
		t.Fatalf("Define: %v", err)
	}

	f.env, err = f.rt.AttachCurrentThread(1)
	if err != nil {
		t.Fatalf("AttachCurrentThread: %v", err)
	}
	if err := f.core.OnLoad(f.env); err != nil {
		t.Fatalf("OnLoad: %v", err)
	}
	return f
}

func (f *fixture) call(t *testing.T, class, method, sig string, args ...art.Value) art.Value {
	t.Helper()
	c, err := f.env.FindClass(class)
	if err != nil {
		t.Fatalf("FindClass(%s): %v", class, err)
	}
	m, err := f.env.GetStaticMethodID(c, method, sig)
	if err != nil {
		t.Fatalf("GetStaticMethodID(%s): %v", method, err)
	}
	v, err := f.env.Call(m, args...)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return v
}

// native calls one of the control natives the way the managed side does.
func (f *fixture) native(t *testing.T, name string, args ...art.Value) art.Value {
	t.Helper()
	for _, n := range policy.Natives {
		if n.Name == name {
			return f.call(t, bridge.DefaultClass, n.Name, n.Signature, args...)
		}
	}
	t.Fatalf("no native %s", name)
	return nil
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoRuntime) {
		t.Errorf("New without runtime = %v", err)
	}
	c, err := New(Config{Runtime: art.NewRuntime()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.State() != Uninitialized || c.Report() != nil || c.Bridge() != nil {
		t.Errorf("fresh core: state %v report %v", c.State(), c.Report())
	}
}

func TestOnLoadMissingClass(t *testing.T) {
	rt := art.NewRuntime()
	c, _ := New(Config{Runtime: rt, Class: "com/example/Missing"})
	env, _ := rt.AttachCurrentThread(1)
	if err := c.OnLoad(env); !errors.Is(err, ErrNoClass) {
		t.Errorf("OnLoad = %v, want ErrNoClass", err)
	}
	if env.ExceptionCheck() {
		t.Error("OnLoad left an exception pending")
	}
}

func TestInstallHooks(t *testing.T) {
	f := newFixture(t, 30)
	f.native(t, policy.NativeInstallHooks, int32(30), pkg)

	if f.core.State() != Ready {
		t.Fatalf("state = %v, want ready", f.core.State())
	}
	r := f.core.Report()
	if r == nil {
		t.Fatal("no report")
	}
	if r.PackageName != pkg || r.APILevel != 30 {
		t.Errorf("report for %s/%d", r.PackageName, r.APILevel)
	}
	if len(r.Missing) != 0 {
		t.Errorf("missing policy methods %v", r.Missing)
	}
	if len(r.Results) != 20 {
		t.Fatalf("got %d results, want 20", len(r.Results))
	}
	if r.Installed() != 19 {
		t.Errorf("installed %d hooks, want 19", r.Installed())
	}

	// libz.so is not loaded yet.
	failed := r.Failed()
	if len(failed) != 1 || failed[0].Consumer != hooks.Zlib || failed[0].Err == nil {
		t.Fatalf("failed = %+v", failed)
	}
	if got := r.Consumer(hooks.FileSystem); len(got) != 10 || got[0].Strategy != hook.Inline {
		t.Errorf("FileSystem results = %+v", got)
	}

	// Results follow the consumer order.
	order := []string{hooks.UnixFileSystem, hooks.FileSystem, hooks.VMClassLoader, hooks.Runtime, hooks.Binder, hooks.DexFile, hooks.Zlib}
	i := 0
	for _, res := range r.Results {
		for i < len(order) && res.Consumer != order[i] {
			i++
		}
		if i == len(order) {
			t.Fatalf("result %s out of order", res.ID)
		}
	}
}

func TestInstallHooksOnce(t *testing.T) {
	f := newFixture(t, 30)
	first := f.core.InstallHooks(f.env, 30, pkg)
	second := f.core.InstallHooks(f.env, 31, "com.other")
	if first != second {
		t.Error("second InstallHooks returned a new report")
	}
	if second.PackageName != pkg {
		t.Errorf("package = %s", second.PackageName)
	}
}

func TestInstallWithoutGuest(t *testing.T) {
	rt := art.NewRuntime()
	if err := art.InstallFramework(rt, art.FrameworkConfig{FS: afero.NewMemMapFs(), CallingUID: hostUID}); err != nil {
		t.Fatalf("InstallFramework: %v", err)
	}
	c, _ := New(Config{Runtime: rt})
	env, _ := rt.AttachCurrentThread(1)

	r := c.InstallHooks(env, 30, pkg)
	if c.State() != Ready {
		t.Errorf("state = %v", c.State())
	}
	// No policy class: every bridge method is missing.
	if len(r.Missing) != 4 {
		t.Errorf("missing = %v", r.Missing)
	}
	for _, res := range r.Failed() {
		if res.Strategy != hook.Inline {
			t.Errorf("%s failed: %v", res.ID, res.Err)
		}
	}
	if len(r.Failed()) != 11 {
		t.Errorf("%d failed hooks, want the 11 inline ones", len(r.Failed()))
	}

	// Binder falls back to the real UID.
	b, _ := env.FindClass(art.ClassBinder)
	m, _ := env.GetStaticMethodID(b, "getCallingUid", art.SigGetCallingUID)
	if uid, err := env.CallStaticIntMethod(m); err != nil || uid != hostUID {
		t.Errorf("getCallingUid = %d, %v", uid, err)
	}
}

func TestLateLibrary(t *testing.T) {
	f := newFixture(t, 30)
	f.native(t, policy.NativeInstallHooks, int32(30), pkg)

	if v := f.call(t, art.ClassRuntime, "nativeLoad", art.SigNativeLoad, "/system/lib64/libz.so", nil); v != nil {
		t.Fatalf("nativeLoad = %v", v)
	}
	if failed := f.core.Report().Failed(); len(failed) != 0 {
		t.Fatalf("still failed after load: %+v", failed)
	}
	if ev := f.events.Tagged(trace.Library); len(ev) != 2 {
		t.Errorf("library events = %d, want load and late hook", len(ev))
	}

	emu := f.sys.Emu
	in := "payload x98 payload"
	strm := emu.Malloc(guest.ZStreamSize)
	emu.MemWrite(strm, make([]byte, guest.ZStreamSize))
	src, _ := f.sys.CString(in)
	out := emu.Malloc(256)
	emu.MemWriteU64(strm+guest.ZStreamNextIn, src)
	emu.MemWriteU32(strm+guest.ZStreamAvailIn, uint32(len(in)))
	emu.MemWriteU64(strm+guest.ZStreamNextOut, out)
	emu.MemWriteU32(strm+guest.ZStreamAvailOut, 256)
	if res, _ := f.sys.Call(1, "libz.so", "deflateInit_", strm, 6, 0, guest.ZStreamSize); res != guest.ZOK {
		t.Fatalf("deflateInit_ = %d", res)
	}
	if res, _ := f.sys.Call(1, "libz.so", "deflate", strm, guest.ZFinish); res != guest.ZStreamEnd {
		t.Fatalf("deflate = %d", res)
	}
	files, _ := afero.ReadDir(f.fs, "/captures")
	if len(files) != 1 {
		t.Fatalf("captures = %d, want 1", len(files))
	}
}

func TestAddIORule(t *testing.T) {
	f := newFixture(t, 30)
	f.native(t, policy.NativeInstallHooks, int32(30), pkg)
	f.native(t, policy.NativeAddIORule, "/data/data/app", "/data/prison/app")
	f.native(t, policy.NativeAddIORule, "", "/tmp")
	f.native(t, policy.NativeAddIORule, nil, nil)

	if n := f.core.Rules().Len(); n != 1 {
		t.Fatalf("rules = %d, want 1", n)
	}

	p, _ := f.sys.CString("/data/data/app/files/a.txt")
	if res, _ := f.sys.Call(1, "libc.so", "access", p, 0); res != 0 {
		t.Errorf("access through rule = %s", guest.Errno(res))
	}
	if got := f.call(t, art.ClassUnixFileSystem, "getLength", art.SigGetLength, art.NewFile("/data/data/app/files/a.txt")); got != int64(10) {
		t.Errorf("getLength = %v", got)
	}
}

func TestAddIORuleInvalidLogsError(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	c, err := New(Config{Runtime: art.NewRuntime(), Logger: &log.Logger{Logger: zap.New(obs)}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.AddIORule("", "/data/prison/app")

	entries := logs.FilterMessage("io rule ignored").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("io rule ignored entries = %v, want one at error level", entries)
	}
	if c.Rules().Len() != 0 {
		t.Errorf("rules = %d, want 0", c.Rules().Len())
	}
}

func TestBinderIdentity(t *testing.T) {
	f := newFixture(t, 30)
	f.native(t, policy.NativeInstallHooks, int32(30), pkg)
	if uid := f.call(t, art.ClassBinder, "getCallingUid", art.SigGetCallingUID); uid != int32(virtualUID) {
		t.Errorf("getCallingUid = %v, want %d", uid, virtualUID)
	}
}

func TestEmptyDexSubstitution(t *testing.T) {
	f := newFixture(t, 30)
	f.native(t, policy.NativeInstallHooks, int32(30), pkg)

	v := f.call(t, art.ClassDexFile, "openDexFileNative", art.SigOpenDexFile, "/data/app/missing.apk", nil, int32(0), nil, nil)
	cookies, ok := v.([]int64)
	if !ok || len(cookies) != 1 || cookies[0] <= 0 {
		t.Fatalf("openDexFileNative = %v, want placeholder cookies", v)
	}
	data, err := afero.ReadFile(f.fs, EmptyDexPath)
	if err != nil {
		t.Fatalf("placeholder not written: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("dex\n035\x00")) || len(data) != dexHeaderSize {
		t.Errorf("placeholder = %q", data[:8])
	}
	if f.env.ExceptionCheck() {
		t.Errorf("pending exception %v", f.env.ExceptionOccurred())
	}
}

func TestOpenEmptyDexBusy(t *testing.T) {
	f := newFixture(t, 30)
	f.core.opening.Store(art.ThreadID(7), struct{}{})
	if _, err := f.core.OpenEmptyDex(7); !errors.Is(err, ErrDexBusy) {
		t.Errorf("OpenEmptyDex = %v, want ErrDexBusy", err)
	}
	cookies, err := f.core.OpenEmptyDex(8)
	if err != nil || len(cookies) != 1 {
		t.Errorf("OpenEmptyDex = %v, %v", cookies, err)
	}
}

func TestDisableHiddenAPI(t *testing.T) {
	const member = "Landroid/app/ActivityThread;->currentActivityThread()"
	for _, tc := range []struct {
		api    int32
		exempt bool
	}{
		{27, false},
		{28, true},
		{34, true},
	} {
		f := newFixture(t, tc.api)
		if ok := f.native(t, policy.NativeDisableHiddenAPI); ok != true {
			t.Errorf("api %d: disableHiddenApi = %v", tc.api, ok)
		}
		if got := f.rt.HiddenAPIExempt(member); got != tc.exempt {
			t.Errorf("api %d: exempt = %v, want %v", tc.api, got, tc.exempt)
		}
	}
}

func TestDisableResourceLoading(t *testing.T) {
	f := newFixture(t, 30)
	if !f.rt.ResourceLoadingRestricted() {
		t.Fatal("runtime starts unrestricted")
	}
	if ok := f.native(t, policy.NativeDisableResLoading); ok != true {
		t.Errorf("disableResourceLoading = %v", ok)
	}
	if f.rt.ResourceLoadingRestricted() {
		t.Error("resource loading still restricted")
	}
}

func TestControlWithoutEnv(t *testing.T) {
	f := newFixture(t, 30)
	if f.core.DisableHiddenAPIRestrictions(nil) {
		t.Error("DisableHiddenAPIRestrictions(nil) = true")
	}
	if f.core.DisableResourceLoadingRestrictions(nil) {
		t.Error("DisableResourceLoadingRestrictions(nil) = true")
	}
	if !f.rt.ResourceLoadingRestricted() {
		t.Error("restriction lifted without an env")
	}
	if f.rt.HiddenAPIExempt("Landroid/app/ActivityThread;->currentActivityThread()") {
		t.Error("hidden api lifted without an env")
	}
	if err := f.core.OnLoad(nil); !errors.Is(err, ErrNoEnv) {
		t.Errorf("OnLoad(nil) = %v, want ErrNoEnv", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Uninitialized:   "uninitialized",
		BridgeReady:     "bridge-ready",
		HooksInstalling: "hooks-installing",
		Ready:           "ready",
		State(9):        "state(9)",
	} {
		if got := s.String(); !strings.EqualFold(got, want) {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
