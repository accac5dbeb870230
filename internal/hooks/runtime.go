package hooks

import (
	"errors"
	"strconv"
	"strings"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/trace"
)

// hiddenClassMarkers are substrings of instrumentation framework class
// names that findLoadedClass must not reveal.
var hiddenClassMarkers = []string{
	"de.robv.android.xposed",
	"de/robv/android/xposed",
	"XposedBridge",
	"EdXposed",
	"LSPosed",
}

// Hidden reports whether findLoadedClass hides the class name.
func Hidden(name string) bool {
	for _, m := range hiddenClassMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func vmClassLoader(d Deps) []*hook.Descriptor {
	const id = "vmclassloader.findLoadedClass"
	return []*hook.Descriptor{{
		ID:        id,
		Strategy:  hook.BindingTable,
		Class:     art.ClassVMClassLoader,
		Method:    "findLoadedClass",
		Signature: art.SigFindLoadedClass,
		Replace: func(orig art.MethodFunc) art.MethodFunc {
			return func(env *art.Env, args []art.Value) (art.Value, error) {
				if name, ok := args[1].(string); ok && Hidden(name) {
					d.emit(env.Thread(), trace.ClassLoader, id, name, "hidden", "true")
					return nil, nil
				}
				return orig(env, args)
			}
		},
	}}
}

// runtimeLoad redirects the library path of Runtime.nativeLoad.
func runtimeLoad(d Deps) []*hook.Descriptor {
	const id = "runtime.nativeLoad"
	return []*hook.Descriptor{{
		ID:        id,
		Strategy:  hook.BindingTable,
		Class:     art.ClassRuntime,
		Method:    "nativeLoad",
		Signature: art.SigNativeLoad,
		Replace: func(orig art.MethodFunc) art.MethodFunc {
			return func(env *art.Env, args []art.Value) (art.Value, error) {
				p, ok := args[0].(string)
				if ok && d.Rules != nil {
					if to := d.Rules.Resolve(p); to != p {
						d.Logger.Redirect(id, p, to)
						d.emit(env.Thread(), trace.Redirect, id, p+" -> "+to)
						args = append([]art.Value{to}, args[1:]...)
						p = to
					}
				}
				v, err := orig(env, args)
				if ok && err == nil {
					msg, _ := v.(string)
					d.emit(env.Thread(), trace.Library, id, p, "error", msg)
				}
				return v, err
			}
		},
	}}
}

// binder passes the real calling UID through the identity policy.
func binder(d Deps) []*hook.Descriptor {
	const id = "binder.getCallingUid"
	return []*hook.Descriptor{{
		ID:        id,
		Strategy:  hook.BindingTable,
		Class:     art.ClassBinder,
		Method:    "getCallingUid",
		Signature: art.SigGetCallingUID,
		Replace: func(orig art.MethodFunc) art.MethodFunc {
			return func(env *art.Env, args []art.Value) (art.Value, error) {
				v, err := orig(env, args)
				if err != nil {
					return v, err
				}
				uid, ok := v.(int32)
				if !ok {
					return v, nil
				}
				spoofed, err := d.Bridge.CallingUID(env.Thread(), uid)
				if err != nil {
					d.fallback(env.Thread(), id, err)
					return uid, nil
				}
				if spoofed != uid {
					d.emit(env.Thread(), trace.Identity, id, strconv.Itoa(int(uid))+" -> "+strconv.Itoa(int(spoofed)))
				}
				return spoofed, nil
			}
		},
	}}
}

// dexFile redirects dex paths and substitutes the placeholder dex when the
// original fails to open one.
func dexFile(d Deps) []*hook.Descriptor {
	const id = "dexfile.openDexFileNative"
	return []*hook.Descriptor{{
		ID:        id,
		Strategy:  hook.BindingTable,
		Class:     art.ClassDexFile,
		Method:    "openDexFileNative",
		Signature: art.SigOpenDexFile,
		Replace: func(orig art.MethodFunc) art.MethodFunc {
			return func(env *art.Env, args []art.Value) (art.Value, error) {
				tid := env.Thread()
				args = append([]art.Value(nil), args...)
				for i := 0; i < 2; i++ {
					p, ok := args[i].(string)
					if !ok {
						continue
					}
					to, err := d.Bridge.RedirectPath(tid, p)
					if err != nil {
						d.fallback(tid, id, err)
						continue
					}
					if to != p {
						d.emit(tid, trace.Redirect, id, p+" -> "+to)
						args[i] = to
					}
				}

				v, err := orig(env, args)
				var t *art.Throwable
				if err == nil || !errors.As(err, &t) || t.Class != art.IOException {
					return v, err
				}

				if env.ExceptionOccurred() == t {
					env.ExceptionClear()
				}
				cookies, berr := d.Bridge.LoadEmptyDex(tid)
				if berr != nil || len(cookies) == 0 {
					if berr != nil {
						d.fallback(tid, id, berr)
					}
					return v, err
				}
				src, _ := args[0].(string)
				d.emit(tid, trace.Dex, id, src, "substituted", "empty", "cause", t.Message)
				return cookies, nil
			}
		},
	}}
}
