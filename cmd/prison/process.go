package main

import (
	"fmt"
	"path"

	"github.com/spf13/afero"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/bridge"
	"github.com/zboralski/prison/internal/config"
	"github.com/zboralski/prison/internal/core"
	"github.com/zboralski/prison/internal/guest"
	"github.com/zboralski/prison/internal/hooks"
	"github.com/zboralski/prison/internal/linker"
	plog "github.com/zboralski/prison/internal/log"
	"github.com/zboralski/prison/internal/policy"
	"github.com/zboralski/prison/internal/redirect"
	"github.com/zboralski/prison/internal/trace"
)

// mainThread is the thread the managed side runs on.
const mainThread art.ThreadID = 1

// process is one virtualized app process: guest, runtime, policy and core.
type process struct {
	cfg    *config.Config
	fs     afero.Fs
	sys    *guest.System
	rt     *art.Runtime
	core   *core.Core
	env    *art.Env
	events *trace.Collector
}

// guestFS returns the guest filesystem described by cfg, seeded with its
// files.
func guestFS(cfg *config.Config) (afero.Fs, error) {
	var fs afero.Fs = afero.NewMemMapFs()
	if cfg.FileSystem.Root != "" {
		fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.FileSystem.Root)
	}
	for p, data := range cfg.FileSystem.Files {
		if err := fs.MkdirAll(path.Dir(p), 0755); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(fs, p, []byte(data), 0644); err != nil {
			return nil, fmt.Errorf("seed %s: %w", p, err)
		}
	}
	return fs, nil
}

// startProcess boots everything up to JNI_OnLoad. Hooks are not installed.
func startProcess(cfg *config.Config) (*process, error) {
	l := plog.Or(nil)
	p := &process{cfg: cfg, events: &trace.Collector{}}

	fs, err := guestFS(cfg)
	if err != nil {
		return nil, err
	}
	p.fs = fs

	p.sys, err = guest.Boot(guest.Config{
		FS:          fs,
		SearchPaths: cfg.Libraries.SearchPaths,
		Preload:     cfg.Libraries.Preload,
		Logger:      l,
	})
	if err != nil {
		return nil, err
	}
	sink := p.events.Sink()
	p.sys.Kernel.OnCall = func(name, detail string) {
		sink.Emit(trace.NewEvent(p.sys.Emu.Thread(), trace.Syscall, name, detail))
	}

	p.rt = art.NewRuntime(art.WithLogger(l))
	if err := art.InstallFramework(p.rt, art.FrameworkConfig{
		FS:         fs,
		CallingUID: cfg.HostUID,
		LoadLibrary: func(name string) error {
			_, err := p.sys.Load(name)
			return err
		},
	}); err != nil {
		p.Close()
		return nil, err
	}

	rules, err := seedRules(cfg.Rules)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.core, err = core.New(core.Config{
		Runtime:  p.rt,
		System:   p.sys,
		Rules:    rules,
		Class:    cfg.Policy.Class,
		APILevel: cfg.APILevel,
		Capture: hooks.CaptureConfig{
			Package: cfg.Capture.Package,
			Marker:  cfg.Capture.Marker,
			Sink:    &hooks.DirSink{FS: fs, Dir: cfg.Capture.Dir},
		},
		Trace:  sink,
		Logger: l,
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	src, name := "", ""
	if cfg.Policy.Script != "" {
		data, err := afero.ReadFile(afero.NewOsFs(), cfg.Policy.Script)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("policy script: %w", err)
		}
		src, name = string(data), path.Base(cfg.Policy.Script)
	}
	pol, err := policy.Load(policy.Config{
		Name:    name,
		Source:  src,
		Class:   cfg.Policy.Class,
		Timeout: cfg.Policy.Timeout,
		Host: policy.Host{
			Rules:        rules,
			HostUID:      cfg.HostUID,
			VirtualUID:   cfg.VirtualUID,
			PackageName:  cfg.PackageName,
			APILevel:     int(cfg.APILevel),
			OpenEmptyDex: p.core.OpenEmptyDex,
		},
		Logger: l,
	})
	if err == nil {
		_, err = pol.Define(p.rt)
	}
	if err != nil {
		p.Close()
		return nil, err
	}

	if p.env, err = p.rt.AttachCurrentThread(mainThread); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.core.OnLoad(p.env); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func seedRules(rules []config.Rule) (*redirect.Store, error) {
	out := make([]redirect.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, redirect.Rule{Source: r.Source, Target: r.Target})
	}
	return redirect.New(out...)
}

// native calls a control native on the control class, as the managed side
// of the app does.
func (p *process) native(name string, args ...art.Value) (art.Value, error) {
	for _, n := range policy.Natives {
		if n.Name != name {
			continue
		}
		cls, err := p.env.FindClass(p.classOr())
		if err != nil {
			p.env.ExceptionClear()
			return nil, err
		}
		m, err := p.env.GetStaticMethodID(cls, n.Name, n.Signature)
		if err != nil {
			p.env.ExceptionClear()
			return nil, err
		}
		return p.env.Call(m, args...)
	}
	return nil, fmt.Errorf("no control native %s", name)
}

func (p *process) classOr() string {
	if p.cfg.Policy.Class != "" {
		return p.cfg.Policy.Class
	}
	return bridge.DefaultClass
}

// install runs the managed startup sequence: lift restrictions, then
// installHooks.
func (p *process) install() (*core.Report, error) {
	for _, n := range []string{policy.NativeDisableHiddenAPI, policy.NativeDisableResLoading} {
		if _, err := p.native(n); err != nil {
			return nil, err
		}
	}
	if _, err := p.native(policy.NativeInstallHooks, p.cfg.APILevel, p.cfg.PackageName); err != nil {
		return nil, err
	}
	return p.core.Report(), nil
}

func (p *process) Close() {
	if p.rt != nil {
		_ = p.rt.DetachCurrentThread(mainThread)
	}
	if p.sys != nil {
		p.sys.Close()
	}
}

// hiddenAPIProbe is a framework member only reachable once hidden API
// checks are lifted.
const hiddenAPIProbe = "Landroid/app/ActivityThread;->currentActivityThread()"

// status is the runtime and guest state shown after a run.
type status struct {
	Threads   int
	Attached  int64
	HiddenAPI bool
	Resources bool
	Libraries []*linker.Image
	Syscalls  int
}

func (p *process) status() status {
	st := status{
		Threads:   p.rt.AttachedThreads(),
		Attached:  p.core.Bridge().Stats().Attached,
		HiddenAPI: p.rt.HiddenAPIExempt(hiddenAPIProbe),
		Resources: p.rt.ResourceLoadingRestricted(),
		Syscalls:  len(p.sys.Kernel.Syscalls()),
	}
	st.Libraries = p.sys.Linker.Images()
	return st
}
