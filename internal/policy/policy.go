// Package policy runs the managed side of the interception core: a
// JavaScript program whose functions become the static methods native
// hooks call back into.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/log"
)

// DefaultScript is the built-in policy.
//
//go:embed default.js
var DefaultScript string

// Script function names. redirectFile is optional and falls back to
// redirectPath for the File overload.
const (
	FuncGetCallingUID = "getCallingUid"
	FuncRedirectPath  = "redirectPath"
	FuncRedirectFile  = "redirectFile"
	FuncLoadEmptyDex  = "loadEmptyDex"
)

// Control natives declared on the policy class and bound at load time.
const (
	NativeInstallHooks      = "installHooks"
	NativeAddIORule         = "addIORule"
	NativeDisableHiddenAPI  = "disableHiddenApi"
	NativeDisableResLoading = "disableResourceLoading"

	SigInstallHooks      = "(ILjava/lang/String;)V"
	SigAddIORule         = "(Ljava/lang/String;Ljava/lang/String;)V"
	SigDisableHiddenAPI  = "()Z"
	SigDisableResLoading = "()Z"
)

// Natives lists the control natives in declaration order.
var Natives = []struct{ Name, Signature string }{
	{NativeInstallHooks, SigInstallHooks},
	{NativeAddIORule, SigAddIORule},
	{NativeDisableHiddenAPI, SigDisableHiddenAPI},
	{NativeDisableResLoading, SigDisableResLoading},
}

var (
	// ErrScript is returned when the script fails to compile or run.
	ErrScript = errors.New("policy script failed")
	// ErrNoEmptyDex is thrown into the script when no placeholder dex
	// loader is configured.
	ErrNoEmptyDex = errors.New("empty dex loader not configured")
)

// Resolver rewrites paths. *redirect.Store implements it.
type Resolver interface {
	Resolve(path string) string
}

// Host is what the script can see of the process.
type Host struct {
	Rules        Resolver
	HostUID      int32
	VirtualUID   int32
	PackageName  string
	APILevel     int
	OpenEmptyDex func(tid art.ThreadID) ([]int64, error)
}

// Config configures Load.
type Config struct {
	Name    string // script name in stack traces
	Source  string // defaults to DefaultScript
	Class   string // defaults to bridge.DefaultClass
	Timeout time.Duration
	Host    Host
	Logger  *log.Logger
}

// Policy is a loaded script. Calls are serialized on one VM; a thread
// may re-enter the policy from inside a host function.
type Policy struct {
	vm      *goja.Runtime
	class   string
	timeout time.Duration
	host    Host
	log     *log.Logger
	fns     map[string]goja.Callable

	mu     sync.Mutex
	held   atomic.Bool
	owner  atomic.Int64
	depth  int
	thread art.ThreadID
}

// Load compiles and runs the script and collects its policy functions.
func Load(cfg Config) (*Policy, error) {
	if cfg.Source == "" {
		cfg.Source = DefaultScript
		if cfg.Name == "" {
			cfg.Name = "default.js"
		}
	}
	if cfg.Class == "" {
		cfg.Class = bridge.DefaultClass
	}
	p := &Policy{
		vm:      goja.New(),
		class:   cfg.Class,
		timeout: cfg.Timeout,
		host:    cfg.Host,
		log:     log.Or(cfg.Logger).WithComponent("policy"),
		fns:     make(map[string]goja.Callable),
	}
	if err := p.globals(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}
	if _, err := p.vm.RunScript(cfg.Name, cfg.Source); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScript, cfg.Name, err)
	}

	for _, name := range []string{FuncGetCallingUID, FuncRedirectPath, FuncRedirectFile, FuncLoadEmptyDex} {
		if fn, ok := goja.AssertFunction(p.vm.Get(name)); ok {
			p.fns[name] = fn
		}
	}
	p.log.Info("policy loaded",
		zap.String("script", cfg.Name),
		zap.Strings("functions", p.Functions()),
	)
	return p, nil
}

// Functions returns the policy functions the script defines.
func (p *Policy) Functions() []string {
	var out []string
	for _, name := range []string{FuncGetCallingUID, FuncRedirectPath, FuncRedirectFile, FuncLoadEmptyDex} {
		if _, ok := p.fns[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Class builds the policy class: one static method per defined function
// and the unbound control natives.
func (p *Policy) Class() (*art.Class, error) {
	c := art.NewClass(p.class)

	type decl struct {
		name, sig string
		fn        art.MethodFunc
	}
	var decls []decl
	if fn, ok := p.fns[FuncGetCallingUID]; ok {
		decls = append(decls, decl{bridge.MethodGetCallingUID, bridge.SigGetCallingUID, p.callingUID(fn)})
	}
	if fn, ok := p.fns[FuncRedirectPath]; ok {
		decls = append(decls, decl{bridge.MethodRedirectPath, bridge.SigRedirectPathString, p.redirectPath(fn)})
	}
	fileFn, ok := p.fns[FuncRedirectFile]
	if !ok {
		fileFn, ok = p.fns[FuncRedirectPath]
	}
	if ok {
		decls = append(decls, decl{bridge.MethodRedirectPath, bridge.SigRedirectPathFile, p.redirectFile(fileFn)})
	}
	if fn, ok := p.fns[FuncLoadEmptyDex]; ok {
		decls = append(decls, decl{bridge.MethodLoadEmptyDex, bridge.SigLoadEmptyDex, p.loadEmptyDex(fn)})
	}

	for _, d := range decls {
		if err := c.DeclareStatic(d.name, d.sig, d.fn); err != nil {
			return nil, err
		}
	}
	for _, n := range Natives {
		if err := c.DeclareNative(n.Name, n.Signature, nil); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Define builds the policy class and defines it in rt.
func (p *Policy) Define(rt *art.Runtime) (*art.Class, error) {
	c, err := p.Class()
	if err != nil {
		return nil, err
	}
	if err := rt.DefineClass(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Policy) callingUID(fn goja.Callable) art.MethodFunc {
	return func(env *art.Env, args []art.Value) (art.Value, error) {
		v, err := p.call(env, fn, args[0])
		if err != nil || isNull(v) {
			return nil, err
		}
		return int32(v.ToInteger()), nil
	}
}

func (p *Policy) redirectPath(fn goja.Callable) art.MethodFunc {
	return func(env *art.Env, args []art.Value) (art.Value, error) {
		v, err := p.call(env, fn, args[0])
		if err != nil || isNull(v) {
			return nil, err
		}
		return v.Export(), nil
	}
}

func (p *Policy) redirectFile(fn goja.Callable) art.MethodFunc {
	return func(env *art.Env, args []art.Value) (art.Value, error) {
		f, _ := args[0].(*art.File)
		if f == nil {
			return nil, nil
		}
		v, err := p.call(env, fn, f.Path)
		if err != nil || isNull(v) {
			return nil, err
		}
		s, ok := v.Export().(string)
		if !ok {
			return v.Export(), nil
		}
		return art.NewFile(s), nil
	}
}

func (p *Policy) loadEmptyDex(fn goja.Callable) art.MethodFunc {
	return func(env *art.Env, args []art.Value) (art.Value, error) {
		v, err := p.call(env, fn)
		if err != nil || isNull(v) {
			return nil, err
		}
		var cookies []int64
		if err := p.vm.ExportTo(v, &cookies); err != nil {
			return v.Export(), nil
		}
		return cookies, nil
	}
}

func isNull(v goja.Value) bool {
	return v == nil || goja.IsNull(v) || goja.IsUndefined(v)
}

// call runs fn on the VM for the thread of env. Script exceptions come
// back as *art.Throwable.
func (p *Policy) call(env *art.Env, fn goja.Callable, args ...any) (goja.Value, error) {
	tid := env.Thread()
	exit := p.enter(tid)
	defer exit()

	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = p.vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), vals...)
	if err != nil {
		return nil, p.throwable(err)
	}
	return v, nil
}

// enter takes the VM for tid. Re-entry from the owning thread nests; only
// the outermost call arms the timeout.
func (p *Policy) enter(tid art.ThreadID) func() {
	if p.held.Load() && p.owner.Load() == int64(tid) {
		p.depth++
		return func() { p.depth-- }
	}

	p.mu.Lock()
	p.owner.Store(int64(tid))
	p.held.Store(true)
	p.depth = 1
	p.thread = tid

	var timer *time.Timer
	if p.timeout > 0 {
		timer = time.AfterFunc(p.timeout, func() {
			p.vm.Interrupt(fmt.Sprintf("policy call exceeded %v", p.timeout))
		})
	}
	return func() {
		if timer != nil {
			timer.Stop()
			p.vm.ClearInterrupt()
		}
		p.depth = 0
		p.held.Store(false)
		p.mu.Unlock()
	}
}

// throwable converts a script failure to a managed exception. A script may
// throw {class: "java/io/IOException", message: "..."} to pick the class.
func (p *Policy) throwable(err error) *art.Throwable {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		p.log.Warn("policy call interrupted", zap.Error(err))
		return art.NewThrowable(art.RuntimeException, fmt.Sprint(ie.Value()))
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().Export().(map[string]any); ok {
			if class, ok := obj["class"].(string); ok && class != "" {
				msg, _ := obj["message"].(string)
				return art.NewThrowable(class, msg)
			}
		}
		return art.NewThrowable(art.RuntimeException, ex.Value().String())
	}
	return art.NewThrowable(art.RuntimeException, err.Error())
}
