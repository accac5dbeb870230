// Package bridge calls from native hooks into the managed policy class.
// Every call degrades to "use the original value" instead of failing the
// intercepted operation.
package bridge

import (
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/log"
)

// DefaultClass is the managed policy class.
const DefaultClass = "com/android/prison/core/NativeCore"

// MaxPackageName bounds the stored package name, in bytes.
const MaxPackageName = 127

// Policy method names and signatures.
const (
	MethodGetCallingUID = "getCallingUid"
	MethodRedirectPath  = "redirectPath"
	MethodLoadEmptyDex  = "loadEmptyDex"

	SigGetCallingUID      = "(I)I"
	SigRedirectPathString = "(Ljava/lang/String;)Ljava/lang/String;"
	SigRedirectPathFile   = "(Ljava/io/File;)Ljava/io/File;"
	SigLoadEmptyDex       = "()[J"
)

// Config is what Bind needs besides the environment.
type Config struct {
	Class       string // defaults to DefaultClass
	APILevel    int
	PackageName string
}

// Binding is the process-wide link to the policy class. Its fields never
// change after Bind.
type Binding struct {
	Class       *art.Class
	APILevel    int
	PackageName string

	methods [numHandles]*art.Method
}

type handle int

const (
	hGetCallingUID handle = iota
	hRedirectPathString
	hRedirectPathFile
	hLoadEmptyDex
	numHandles
)

var handles = [numHandles]struct{ name, sig string }{
	hGetCallingUID:      {MethodGetCallingUID, SigGetCallingUID},
	hRedirectPathString: {MethodRedirectPath, SigRedirectPathString},
	hRedirectPathFile:   {MethodRedirectPath, SigRedirectPathFile},
	hLoadEmptyDex:       {MethodLoadEmptyDex, SigLoadEmptyDex},
}

// method returns the resolved handle h, or nil.
func (b *Binding) method(h handle) *art.Method {
	if b == nil {
		return nil
	}
	return b.methods[h]
}

// Bind looks up the policy class and its four methods. Lookups that fail
// leave the handle nil for good; any exception they raise is cleared.
// The returned binding is always usable.
func Bind(env *art.Env, cfg Config, l *log.Logger) *Binding {
	l = log.Or(l).WithComponent("bridge")
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	b := &Binding{
		APILevel:    cfg.APILevel,
		PackageName: truncate(cfg.PackageName, MaxPackageName),
	}
	if env == nil {
		l.Warn("bind without runtime environment")
		return b
	}

	c, err := env.FindClass(cfg.Class)
	if err != nil {
		env.ExceptionClear()
		l.Warn("policy class not found", zap.String("class", cfg.Class), zap.Error(err))
		return b
	}
	b.Class = c

	for h, m := range handles {
		id, err := env.GetStaticMethodID(c, m.name, m.sig)
		if err != nil {
			env.ExceptionClear()
			l.Warn("policy method not found", zap.String("method", m.name+m.sig))
			continue
		}
		b.methods[h] = id
	}

	l.Info("policy bound",
		zap.String("class", cfg.Class),
		zap.Int("api", b.APILevel),
		zap.String("package", b.PackageName),
		zap.Strings("missing", b.Missing()),
	)
	return b
}

// Missing lists the policy methods that did not resolve.
func (b *Binding) Missing() []string {
	var out []string
	for h, m := range handles {
		if b.methods[h] == nil {
			out = append(out, m.name+m.sig)
		}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
