// Package core is the orchestrator behind the control natives. It binds
// the policy bridge, installs the consumer hooks in a fixed order and
// keeps the hooks of late-loaded libraries alive.
package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/guest"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/hooks"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/log"
	"github.com/zboralski/prison/internal/policy"
	"github.com/zboralski/prison/internal/redirect"
	"github.com/zboralski/prison/internal/trace"
)

// State is the lifecycle state of a Core.
type State int32

const (
	Uninitialized State = iota
	BridgeReady
	HooksInstalling
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case BridgeReady:
		return "bridge-ready"
	case HooksInstalling:
		return "hooks-installing"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// HiddenAPILevel is the first API level with hidden API restrictions.
const HiddenAPILevel = 28

var (
	// ErrNoRuntime is returned by New without a runtime.
	ErrNoRuntime = errors.New("no runtime")
	// ErrNoClass is returned by OnLoad when the control class is not loaded.
	ErrNoClass = errors.New("control class not found")
	// ErrNoEnv is reported when a control native runs without an env.
	ErrNoEnv = errors.New("runtime environment is null")
)

// Config wires a Core.
type Config struct {
	Runtime *art.Runtime
	// System is the guest process. Without it inline hooks fail to
	// install and are reported as such.
	System *guest.System
	// FS receives the placeholder dex. Defaults to the guest filesystem.
	FS    afero.Fs
	Rules *redirect.Store
	// Class is the control and policy class. Defaults to
	// bridge.DefaultClass.
	Class string
	// APILevel is the device API level until InstallHooks reports one.
	APILevel int32
	Capture  hooks.CaptureConfig
	Trace    trace.Sink
	Logger   *log.Logger
}

// Core owns the bridge, the hook engine and the rule store of one process.
type Core struct {
	rt      *art.Runtime
	fs      afero.Fs
	rules   *redirect.Store
	engine  *hook.Engine
	class   string
	capture hooks.CaptureConfig
	trace   trace.Sink
	log     *log.Logger

	state    atomic.Int32
	apiLevel atomic.Int32

	mu     sync.Mutex
	report *Report
	bridge *bridge.Bridge

	dex     sync.Once
	dexErr  error
	opening sync.Map // art.ThreadID -> struct{}
}

// New creates a Core and subscribes it to library loads of the guest.
func New(cfg Config) (*Core, error) {
	if cfg.Runtime == nil {
		return nil, ErrNoRuntime
	}
	l := log.Or(cfg.Logger).WithComponent("core")
	c := &Core{
		rt:      cfg.Runtime,
		fs:      cfg.FS,
		rules:   cfg.Rules,
		class:   cfg.Class,
		capture: cfg.Capture,
		trace:   cfg.Trace,
		log:     l,
	}
	if c.rules == nil {
		c.rules, _ = redirect.New()
	}
	if c.class == "" {
		c.class = bridge.DefaultClass
	}
	c.apiLevel.Store(cfg.APILevel)

	hc := hook.Config{Classes: cfg.Runtime, Logger: cfg.Logger}
	if sys := cfg.System; sys != nil {
		hc.Symbols = linker.NewResolver(sys.Linker)
		hc.Emulator = sys.Emu
		if c.fs == nil {
			c.fs = sys.Kernel.FS()
		}
		sys.Linker.OnLoad(c.libraryLoaded)
	}
	if c.fs == nil {
		c.fs = afero.NewMemMapFs()
	}
	c.engine = hook.NewEngine(hc)
	return c, nil
}

// State returns the lifecycle state.
func (c *Core) State() State { return State(c.state.Load()) }

func (c *Core) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state", zap.Stringer("state", s))
}

// Rules returns the redirection rule store.
func (c *Core) Rules() *redirect.Store { return c.rules }

// Engine returns the hook engine.
func (c *Core) Engine() *hook.Engine { return c.engine }

// Bridge returns the bridge, or nil before InstallHooks.
func (c *Core) Bridge() *bridge.Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge
}

// APILevel returns the device API level.
func (c *Core) APILevel() int32 { return c.apiLevel.Load() }

// OnLoad registers the control natives on the control class.
func (c *Core) OnLoad(env *art.Env) error {
	if env == nil {
		return ErrNoEnv
	}
	cls, err := env.FindClass(c.class)
	if err != nil {
		env.ExceptionClear()
		return fmt.Errorf("%w: %s", ErrNoClass, c.class)
	}
	fns := map[string]art.MethodFunc{
		policy.NativeInstallHooks: func(env *art.Env, args []art.Value) (art.Value, error) {
			api, _ := args[0].(int32)
			pkg, _ := args[1].(string)
			c.InstallHooks(env, api, pkg)
			return nil, nil
		},
		policy.NativeAddIORule: func(_ *art.Env, args []art.Value) (art.Value, error) {
			src, _ := args[0].(string)
			dst, _ := args[1].(string)
			c.AddIORule(src, dst)
			return nil, nil
		},
		policy.NativeDisableHiddenAPI: func(env *art.Env, _ []art.Value) (art.Value, error) {
			return c.DisableHiddenAPIRestrictions(env), nil
		},
		policy.NativeDisableResLoading: func(env *art.Env, _ []art.Value) (art.Value, error) {
			return c.DisableResourceLoadingRestrictions(env), nil
		},
	}
	methods := make([]art.NativeMethod, 0, len(policy.Natives))
	for _, n := range policy.Natives {
		methods = append(methods, art.NativeMethod{Name: n.Name, Signature: n.Signature, Fn: fns[n.Name]})
	}
	if err := env.RegisterNatives(cls, methods); err != nil {
		env.ExceptionClear()
		return fmt.Errorf("register natives on %s: %w", c.class, err)
	}
	c.log.Info("control natives registered", zap.String("class", c.class))
	return nil
}

// InstallHooks binds the bridge and installs the consumer hooks. Failures
// are logged and recorded in the report, never returned. Later calls
// return the first report.
func (c *Core) InstallHooks(env *art.Env, apiLevel int32, packageName string) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report != nil {
		c.log.Info("hooks already installed", zap.String("package", c.report.PackageName))
		return c.report
	}

	r := &Report{APILevel: apiLevel, PackageName: packageName, Started: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("install hooks panic", zap.Any("panic", p))
		}
		r.Duration = time.Since(r.Started)
		c.report = r
		c.setState(Ready)
	}()

	if apiLevel > 0 {
		c.apiLevel.Store(apiLevel)
	}
	b := bridge.Bind(env, bridge.Config{
		Class:       c.class,
		APILevel:    int(apiLevel),
		PackageName: packageName,
	}, c.log)
	c.bridge = bridge.New(b, bridge.NewAttacher(c.rt, c.log), c.log)
	r.Missing = b.Missing()
	c.setState(BridgeReady)

	c.setState(HooksInstalling)
	deps := hooks.Deps{
		Bridge:      c.bridge,
		Rules:       c.rules,
		PackageName: b.PackageName,
		Capture:     c.capture,
		Trace:       c.trace,
		Logger:      c.log,
	}
	for _, consumer := range hooks.Consumers(deps) {
		for _, d := range consumer.Descriptors {
			r.Results = append(r.Results, c.install(consumer.Name, d))
		}
	}

	c.log.Info("hooks installed",
		zap.String("package", packageName),
		zap.Int32("api", apiLevel),
		zap.Int("installed", r.Installed()),
		zap.Int("failed", len(r.Failed())),
		zap.Strings("missing", r.Missing),
	)
	return r
}

// install installs one descriptor and contains its panics.
func (c *Core) install(consumer string, d *hook.Descriptor) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Consumer: consumer, ID: d.ID, Strategy: d.Strategy, Target: d.Target(),
				State: hook.Failed, Err: fmt.Errorf("install panic: %v", p),
			}
			c.log.HookFailed(d.ID, d.Strategy.String(), res.Err)
		}
	}()
	e, err := c.engine.Install(d)
	if e == nil {
		return Result{Consumer: consumer, ID: d.ID, Strategy: d.Strategy, Target: d.Target(), State: hook.Failed, Err: err}
	}
	return result(consumer, e)
}

// Report returns the install report with current hook states, or nil
// before InstallHooks. Hooks revived by a late library load show as
// installed.
func (c *Core) Report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report == nil {
		return nil
	}
	r := *c.report
	r.Results = make([]Result, len(c.report.Results))
	for i, res := range c.report.Results {
		if e, ok := c.engine.Registry().Get(res.ID); ok {
			res = result(res.Consumer, e)
		}
		r.Results[i] = res
	}
	return &r
}

// libraryLoaded retries the failed inline hooks of a newly mapped library.
func (c *Core) libraryLoaded(img *linker.Image) {
	for _, e := range c.engine.Retry(img.Name) {
		c.log.Info("hook installed on load",
			zap.String("hook", e.Descriptor.ID),
			zap.String("lib", img.Name),
		)
		c.trace.Emit(trace.NewEvent(0, trace.Library, e.Descriptor.ID, img.Name))
	}
}

// AddIORule appends a redirection rule. Empty paths are ignored.
func (c *Core) AddIORule(source, target string) {
	if err := c.rules.Add(source, target); err != nil {
		c.log.Error("io rule ignored",
			zap.String("source", source),
			zap.String("target", target),
			zap.Error(err),
		)
		return
	}
	c.log.Info("io rule", zap.String("source", source), zap.String("target", target))
}

// DisableHiddenAPIRestrictions exempts every member from hidden API
// checks. Below API 28 there is nothing to lift.
func (c *Core) DisableHiddenAPIRestrictions(env *art.Env) bool {
	if env == nil {
		c.log.Error("hidden api restrictions kept", zap.Error(ErrNoEnv))
		return false
	}
	if c.APILevel() < HiddenAPILevel {
		return true
	}
	fail := func(err error) bool {
		env.ExceptionClear()
		c.log.Warn("hidden api restrictions kept", zap.Error(err))
		return false
	}
	cls, err := env.FindClass(art.ClassVMRuntime)
	if err != nil {
		return fail(err)
	}
	m, err := env.GetStaticMethodID(cls, "setHiddenApiExemptions", art.SigHiddenAPI)
	if err != nil {
		return fail(err)
	}
	if err := env.CallStaticVoidMethod(m, []string{"L"}); err != nil {
		return fail(err)
	}
	c.log.Info("hidden api restrictions lifted", log.Thread(int64(env.Thread())))
	return true
}

// DisableResourceLoadingRestrictions lifts the runtime's resource loading
// restriction.
func (c *Core) DisableResourceLoadingRestrictions(env *art.Env) bool {
	if env == nil {
		c.log.Error("resource loading restrictions kept", zap.Error(ErrNoEnv))
		return false
	}
	c.rt.SetResourceLoadingRestricted(false)
	c.log.Info("resource loading restrictions lifted", log.Thread(int64(env.Thread())))
	return true
}
