package policy

import (
	"go.uber.org/zap"
)

// globals exposes the host to the script.
func (p *Policy) globals() error {
	vm := p.vm

	prison := vm.NewObject()
	for k, v := range map[string]any{
		"hostUid":     p.host.HostUID,
		"virtualUid":  p.host.VirtualUID,
		"packageName": p.host.PackageName,
		"apiLevel":    p.host.APILevel,
	} {
		if err := prison.Set(k, v); err != nil {
			return err
		}
	}

	io := vm.NewObject()
	if err := io.Set("resolve", func(path string) string {
		if p.host.Rules == nil {
			return path
		}
		return p.host.Rules.Resolve(path)
	}); err != nil {
		return err
	}

	dex := vm.NewObject()
	if err := dex.Set("openEmpty", func() ([]int64, error) {
		if p.host.OpenEmptyDex == nil {
			return nil, ErrNoEmptyDex
		}
		return p.host.OpenEmptyDex(p.thread)
	}); err != nil {
		return err
	}

	console := vm.NewObject()
	for name, fn := range map[string]func(string, ...zap.Field){
		"d": p.log.Debug,
		"i": p.log.Info,
		"w": p.log.Warn,
		"e": p.log.Error,
	} {
		if err := console.Set(name, func(msg string) { fn(msg) }); err != nil {
			return err
		}
	}

	for name, obj := range map[string]any{"prison": prison, "io": io, "dex": dex, "log": console} {
		if err := vm.Set(name, obj); err != nil {
			return err
		}
	}
	return nil
}
