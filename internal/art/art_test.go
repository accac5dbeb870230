package art

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		sig     string
		params  int
		ret     string
		wantErr bool
	}{
		{"()I", 0, "I", false},
		{"(I)I", 1, "I", false},
		{"(Ljava/lang/String;)Ljava/lang/String;", 1, TypeString, false},
		{"(ILjava/lang/String;)V", 2, "V", false},
		{"()[J", 0, TypeLongArray, false},
		{SigOpenDexFile, 5, "Ljava/lang/Object;", false},
		{"I)I", 0, "", true},
		{"(I", 0, "", true},
		{"(V)I", 0, "", true},
		{"(Ljava/lang/String)V", 0, "", true},
		{"()", 0, "", true},
		{"()II", 0, "", true},
		{"([V)I", 0, "", true},
	}
	for _, tt := range tests {
		s, err := ParseSignature(tt.sig)
		if tt.wantErr {
			if !errors.Is(err, ErrBadSignature) {
				t.Errorf("ParseSignature(%q): expected ErrBadSignature, got %v", tt.sig, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSignature(%q): %v", tt.sig, err)
			continue
		}
		if len(s.Params) != tt.params || s.Return != tt.ret {
			t.Errorf("ParseSignature(%q) = %v / %s", tt.sig, s.Params, s.Return)
		}
		if s.String() != tt.sig {
			t.Errorf("String() = %q, want %q", s.String(), tt.sig)
		}
	}
}

func TestPatchNative(t *testing.T) {
	c := NewClass("android/os/Binder")
	orig := func(*Env, []Value) (Value, error) { return int32(10001), nil }
	if err := c.DeclareNative("getCallingUid", "()I", orig); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareNative("unbound", "()V", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareStatic("managed", "()V", func(*Env, []Value) (Value, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareNative("getCallingUid", "()I", orig); !errors.Is(err, ErrMethodExists) {
		t.Errorf("redeclare: got %v", err)
	}

	var captured MethodFunc
	prev, err := c.PatchNative("getCallingUid", "()I", func(p MethodFunc) MethodFunc {
		captured = p
		return func(env *Env, args []Value) (Value, error) {
			v, err := p(env, args)
			return v.(int32) + 1, err
		}
	})
	if err != nil {
		t.Fatalf("PatchNative: %v", err)
	}
	if prev == nil || captured == nil {
		t.Fatal("previous binding not captured")
	}

	rt := NewRuntime()
	if err := rt.DefineClass(c); err != nil {
		t.Fatal(err)
	}
	env, _ := rt.AttachCurrentThread(1)
	m, _ := c.Method("getCallingUid", "()I")
	got, err := env.CallStaticIntMethod(m)
	if err != nil || got != 10002 {
		t.Errorf("patched call = %d, %v", got, err)
	}

	tests := []struct {
		name, sig string
		want      error
	}{
		{"getCallingUid", "(I)I", ErrNoSuchMethod},
		{"missing", "()I", ErrNoSuchMethod},
		{"managed", "()V", ErrNoSuchMethod},
		{"unbound", "()V", ErrUnbound},
	}
	for _, tt := range tests {
		if _, err := c.PatchNative(tt.name, tt.sig, func(p MethodFunc) MethodFunc { return p }); !errors.Is(err, tt.want) {
			t.Errorf("PatchNative(%s%s): got %v, want %v", tt.name, tt.sig, err, tt.want)
		}
	}
}

func TestEnvCallAndExceptions(t *testing.T) {
	rt := NewRuntime()
	c := NewClass("com/example/Policy")
	c.DeclareStatic("twice", "(I)I", func(_ *Env, args []Value) (Value, error) {
		return args[0].(int32) * 2, nil
	})
	c.DeclareStatic("boom", "()V", func(*Env, []Value) (Value, error) {
		return nil, NewThrowable(IOException, "disk on fire")
	})
	c.DeclareStatic("plain", "()V", func(*Env, []Value) (Value, error) {
		return nil, errors.New("oops")
	})
	c.DeclareStatic("str", "()Ljava/lang/String;", func(*Env, []Value) (Value, error) {
		return "s", nil
	})
	c.DeclareNative("later", "()Z", nil)
	rt.DefineClass(c)

	env, err := rt.AttachCurrentThread(7)
	if err != nil {
		t.Fatal(err)
	}
	if env.Thread() != 7 {
		t.Errorf("Thread = %d", env.Thread())
	}

	if _, err := env.FindClass("com/example/Missing"); err == nil || !env.ExceptionCheck() {
		t.Fatal("FindClass of missing class must raise")
	}
	if env.ExceptionOccurred().Class != NoClassDefFoundError {
		t.Errorf("pending = %v", env.ExceptionOccurred())
	}
	env.ExceptionClear()

	cls, err := env.FindClass("com.example.Policy")
	if err != nil {
		t.Fatalf("FindClass dotted: %v", err)
	}
	if _, err := env.GetStaticMethodID(cls, "twice", "(J)J"); err == nil {
		t.Fatal("signature mismatch must not resolve")
	}
	env.ExceptionClear()

	twice, _ := env.GetStaticMethodID(cls, "twice", "(I)I")
	if n, err := env.CallStaticIntMethod(twice, int32(21)); err != nil || n != 42 {
		t.Errorf("twice(21) = %d, %v", n, err)
	}

	if _, err := env.CallStaticIntMethod(twice, int64(1)); err == nil {
		t.Error("wrong argument type must raise")
	}
	env.ExceptionClear()
	if _, err := env.CallStaticIntMethod(twice); err == nil {
		t.Error("wrong arity must raise")
	}
	env.ExceptionClear()

	boom, _ := env.GetStaticMethodID(cls, "boom", "()V")
	err = env.CallStaticVoidMethod(boom)
	var th *Throwable
	if !errors.As(err, &th) || th.Class != IOException {
		t.Fatalf("boom: %v", err)
	}
	if !env.ExceptionCheck() {
		t.Error("exception must stay pending until cleared")
	}
	env.ExceptionClear()

	plain, _ := env.GetStaticMethodID(cls, "plain", "()V")
	if err := env.CallStaticVoidMethod(plain); !errors.As(err, &th) || th.Class != RuntimeException {
		t.Errorf("plain error must become RuntimeException, got %v", err)
	}
	env.ExceptionClear()

	str, _ := env.GetStaticMethodID(cls, "str", "()Ljava/lang/String;")
	if _, err := env.CallStaticIntMethod(str); !errors.Is(err, ErrBadReturn) {
		t.Errorf("expected ErrBadReturn, got %v", err)
	}
	if env.ExceptionCheck() {
		t.Error("bad return type is not an exception")
	}

	later, _ := env.GetStaticMethodID(cls, "later", "()Z")
	if _, err := env.CallStaticBooleanMethod(later); !errors.As(err, &th) || th.Class != UnsatisfiedLinkError {
		t.Errorf("unbound native: %v", err)
	}
	env.ExceptionClear()

	if err := env.RegisterNatives(cls, []NativeMethod{{"later", "()Z", func(*Env, []Value) (Value, error) { return true, nil }}}); err != nil {
		t.Fatalf("RegisterNatives: %v", err)
	}
	if ok, err := env.CallStaticBooleanMethod(later); err != nil || !ok {
		t.Errorf("later() = %v, %v", ok, err)
	}
	if err := env.RegisterNatives(cls, []NativeMethod{{"twice", "(I)I", nil}}); err == nil {
		t.Error("registering a managed method must fail")
	}
	env.ExceptionClear()
}

func TestAttach(t *testing.T) {
	refused := errors.New("no")
	rt := NewRuntime(WithAttachGate(func(tid ThreadID) error {
		if tid == 13 {
			return refused
		}
		return nil
	}))

	if _, err := rt.GetEnv(1); !errors.Is(err, ErrDetached) {
		t.Errorf("GetEnv before attach: %v", err)
	}
	e1, err := rt.AttachCurrentThread(1)
	if err != nil {
		t.Fatal(err)
	}
	e2, attached, _ := rt.Attach(1)
	if e1 != e2 || attached {
		t.Errorf("second attach: same env %v, attached %v", e1 == e2, attached)
	}
	if got, _ := rt.GetEnv(1); got != e1 {
		t.Error("GetEnv returned a different env")
	}
	if _, err := rt.AttachCurrentThread(13); !errors.Is(err, ErrAttachRefused) {
		t.Errorf("gated attach: %v", err)
	}
	if rt.AttachedThreads() != 1 {
		t.Errorf("AttachedThreads = %d", rt.AttachedThreads())
	}
	if err := rt.DetachCurrentThread(1); err != nil {
		t.Fatal(err)
	}
	if err := rt.DetachCurrentThread(1); !errors.Is(err, ErrDetached) {
		t.Errorf("double detach: %v", err)
	}
}

func TestFramework(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data/app/base.apk", []byte("PK\x03\x04rest"), 0o644)
	afero.WriteFile(fs, "/data/app/.hidden", []byte("x"), 0o600)
	afero.WriteFile(fs, "/data/app/bogus.dex", []byte("nope"), 0o644)
	fs.MkdirAll("/data/app/lib", 0o755)

	var loaded []string
	rt := NewRuntime()
	err := InstallFramework(rt, FrameworkConfig{
		FS:         fs,
		CallingUID: 10123,
		LoadLibrary: func(p string) error {
			loaded = append(loaded, p)
			if p == "/bad.so" {
				return errors.New("not found")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("InstallFramework: %v", err)
	}
	env, _ := rt.AttachCurrentThread(1)

	call := func(class, name, sig string, args ...Value) (Value, error) {
		t.Helper()
		c, err := env.FindClass(class)
		if err != nil {
			t.Fatalf("FindClass(%s): %v", class, err)
		}
		m, err := env.GetStaticMethodID(c, name, sig)
		if err != nil {
			t.Fatalf("GetStaticMethodID(%s): %v", name, err)
		}
		v, err := env.Call(m, args...)
		env.ExceptionClear()
		return v, err
	}

	if v, _ := call(ClassBinder, "getCallingUid", SigGetCallingUID); v != int32(10123) {
		t.Errorf("getCallingUid = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "canonicalize0", SigCanonicalize, "/data/./app/../app/base.apk"); v != "/data/app/base.apk" {
		t.Errorf("canonicalize0 = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "getBooleanAttributes0", SigBooleanAttributes, NewFile("/data/app/base.apk")); v != int32(BAExists|BARegular) {
		t.Errorf("attrs(base.apk) = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "getBooleanAttributes0", SigBooleanAttributes, NewFile("/data/app/lib")); v != int32(BAExists|BADirectory) {
		t.Errorf("attrs(lib) = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "getBooleanAttributes0", SigBooleanAttributes, NewFile("/data/app/.hidden")); v != int32(BAExists|BARegular|BAHidden) {
		t.Errorf("attrs(.hidden) = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "getBooleanAttributes0", SigBooleanAttributes, NewFile("/nope")); v != int32(0) {
		t.Errorf("attrs(/nope) = %v", v)
	}
	if _, err := call(ClassUnixFileSystem, "getBooleanAttributes0", SigBooleanAttributes, nil); err == nil {
		t.Error("null file must raise")
	}
	if v, _ := call(ClassUnixFileSystem, "checkAccess", SigCheckAccess, NewFile("/data/app/base.apk"), int32(AccessRead|AccessWrite)); v != true {
		t.Errorf("checkAccess rw = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "checkAccess", SigCheckAccess, NewFile("/data/app/base.apk"), int32(AccessExecute)); v != false {
		t.Errorf("checkAccess x = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "getLength", SigGetLength, NewFile("/data/app/base.apk")); v != int64(8) {
		t.Errorf("getLength = %v", v)
	}
	v, _ := call(ClassUnixFileSystem, "list", SigList, NewFile("/data/app"))
	if names, ok := v.([]string); !ok || len(names) != 4 || names[0] != ".hidden" {
		t.Errorf("list = %v", v)
	}
	if v, _ := call(ClassUnixFileSystem, "list", SigList, NewFile("/nope")); v != nil {
		t.Errorf("list(/nope) = %v", v)
	}

	if v, _ := call(ClassVMClassLoader, "findLoadedClass", SigFindLoadedClass, nil, "android.os.Binder"); v == nil {
		t.Error("findLoadedClass(android.os.Binder) = null")
	}
	if v, _ := call(ClassVMClassLoader, "findLoadedClass", SigFindLoadedClass, nil, "com.missing.X"); v != nil {
		t.Errorf("findLoadedClass(missing) = %v", v)
	}

	if v, _ := call(ClassRuntime, "nativeLoad", SigNativeLoad, "/good.so", nil); v != nil {
		t.Errorf("nativeLoad(good) = %v", v)
	}
	if v, _ := call(ClassRuntime, "nativeLoad", SigNativeLoad, "/bad.so", nil); v == nil {
		t.Error("nativeLoad(bad) must return an error string")
	}
	if len(loaded) != 2 {
		t.Errorf("loaded = %v", loaded)
	}

	v1, err := call(ClassDexFile, "openDexFileNative", SigOpenDexFile, "/data/app/base.apk", nil, int32(0), nil, nil)
	if err != nil {
		t.Fatalf("openDexFileNative: %v", err)
	}
	v2, _ := call(ClassDexFile, "openDexFileNative", SigOpenDexFile, "/data/app/base.apk", nil, int32(0), nil, nil)
	if c1, c2 := v1.([]int64), v2.([]int64); c1[0] == c2[0] {
		t.Error("cookies must be unique")
	}
	var th *Throwable
	if _, err := call(ClassDexFile, "openDexFileNative", SigOpenDexFile, "/missing.dex", nil, int32(0), nil, nil); !errors.As(err, &th) || th.Class != IOException {
		t.Errorf("missing dex: %v", err)
	}
	if _, err := call(ClassDexFile, "openDexFileNative", SigOpenDexFile, "/data/app/bogus.dex", nil, int32(0), nil, nil); !errors.As(err, &th) || th.Class != IOException {
		t.Errorf("bogus dex: %v", err)
	}

	if rt.HiddenAPIExempt("Landroid/app/ActivityThread;") {
		t.Error("exempt before setHiddenApiExemptions")
	}
	call(ClassVMRuntime, "setHiddenApiExemptions", SigHiddenAPI, []string{"L"})
	if !rt.HiddenAPIExempt("Landroid/app/ActivityThread;") {
		t.Error("not exempt after setHiddenApiExemptions")
	}
}
