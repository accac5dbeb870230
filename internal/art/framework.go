package art

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
)

// Framework class names.
const (
	ClassBinder         = "android/os/Binder"
	ClassUnixFileSystem = "java/io/UnixFileSystem"
	ClassVMClassLoader  = "java/lang/VMClassLoader"
	ClassRuntime        = "java/lang/Runtime"
	ClassDexFile        = "dalvik/system/DexFile"
	ClassVMRuntime      = "dalvik/system/VMRuntime"
)

// Framework native signatures.
const (
	SigGetCallingUID     = "()I"
	SigCanonicalize      = "(Ljava/lang/String;)Ljava/lang/String;"
	SigBooleanAttributes = "(Ljava/io/File;)I"
	SigCheckAccess       = "(Ljava/io/File;I)Z"
	SigGetLength         = "(Ljava/io/File;)J"
	SigList              = "(Ljava/io/File;)[Ljava/lang/String;"
	SigFindLoadedClass   = "(Ljava/lang/ClassLoader;Ljava/lang/String;)Ljava/lang/Class;"
	SigNativeLoad        = "(Ljava/lang/String;Ljava/lang/ClassLoader;)Ljava/lang/String;"
	SigOpenDexFile       = "(Ljava/lang/String;Ljava/lang/String;ILjava/lang/ClassLoader;[Ldalvik/system/DexPathList$Element;)Ljava/lang/Object;"
	SigHiddenAPI         = "([Ljava/lang/String;)V"
)

// UnixFileSystem attribute bits.
const (
	BAExists    = 0x01
	BARegular   = 0x02
	BADirectory = 0x04
	BAHidden    = 0x08
)

// UnixFileSystem access modes.
const (
	AccessExecute = 0x01
	AccessWrite   = 0x02
	AccessRead    = 0x04
)

// FrameworkConfig wires the framework natives to the guest process.
type FrameworkConfig struct {
	// FS is the guest filesystem the java.io and dex natives use.
	FS afero.Fs
	// CallingUID is what Binder.getCallingUid reports.
	CallingUID int32
	// LoadLibrary backs Runtime.nativeLoad. nil makes every load fail.
	LoadLibrary func(path string) error
}

// InstallFramework defines the framework classes the interception layer
// targets, with their natives bound to cfg.
func InstallFramework(rt *Runtime, cfg FrameworkConfig) error {
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	fw := &framework{fs: fs, uid: cfg.CallingUID, load: cfg.LoadLibrary}

	type native struct {
		name, sig string
		fn        MethodFunc
	}
	classes := []struct {
		name    string
		natives []native
	}{
		{ClassBinder, []native{
			{"getCallingUid", SigGetCallingUID, fw.getCallingUID},
		}},
		{ClassUnixFileSystem, []native{
			{"canonicalize0", SigCanonicalize, fw.canonicalize},
			{"getBooleanAttributes0", SigBooleanAttributes, fw.booleanAttributes},
			{"checkAccess", SigCheckAccess, fw.checkAccess},
			{"getLength", SigGetLength, fw.length},
			{"list", SigList, fw.list},
		}},
		{ClassVMClassLoader, []native{
			{"findLoadedClass", SigFindLoadedClass, fw.findLoadedClass},
		}},
		{ClassRuntime, []native{
			{"nativeLoad", SigNativeLoad, fw.nativeLoad},
		}},
		{ClassDexFile, []native{
			{"openDexFileNative", SigOpenDexFile, fw.openDexFile},
		}},
		{ClassVMRuntime, []native{
			{"setHiddenApiExemptions", SigHiddenAPI, fw.setHiddenAPIExemptions},
		}},
	}

	for _, spec := range classes {
		c := NewClass(spec.name)
		for _, n := range spec.natives {
			if err := c.DeclareNative(n.name, n.sig, n.fn); err != nil {
				return err
			}
		}
		if err := rt.DefineClass(c); err != nil {
			return err
		}
	}
	return nil
}

type framework struct {
	fs     afero.Fs
	uid    int32
	load   func(string) error
	cookie atomic.Int64
}

func (fw *framework) getCallingUID(*Env, []Value) (Value, error) {
	return fw.uid, nil
}

func fileArg(v Value) (string, error) {
	f, _ := v.(*File)
	if f == nil {
		return "", NewThrowable(NullPointerException, "file")
	}
	return f.Path, nil
}

func (fw *framework) canonicalize(_ *Env, args []Value) (Value, error) {
	p, _ := args[0].(string)
	if args[0] == nil {
		return nil, NewThrowable(NullPointerException, "path")
	}
	if p == "" {
		return "", nil
	}
	return path.Clean(p), nil
}

func (fw *framework) booleanAttributes(_ *Env, args []Value) (Value, error) {
	p, err := fileArg(args[0])
	if err != nil {
		return nil, err
	}
	fi, err := fw.fs.Stat(p)
	if err != nil {
		return int32(0), nil
	}
	attrs := int32(BAExists)
	if fi.IsDir() {
		attrs |= BADirectory
	} else if fi.Mode().IsRegular() {
		attrs |= BARegular
	}
	if strings.HasPrefix(path.Base(p), ".") {
		attrs |= BAHidden
	}
	return attrs, nil
}

func (fw *framework) checkAccess(_ *Env, args []Value) (Value, error) {
	p, err := fileArg(args[0])
	if err != nil {
		return nil, err
	}
	mode, _ := args[1].(int32)
	fi, err := fw.fs.Stat(p)
	if err != nil {
		return false, nil
	}
	owner := int32(fi.Mode().Perm()>>6) & 0x7
	return owner&mode == mode, nil
}

func (fw *framework) length(_ *Env, args []Value) (Value, error) {
	p, err := fileArg(args[0])
	if err != nil {
		return nil, err
	}
	fi, err := fw.fs.Stat(p)
	if err != nil || fi.IsDir() {
		return int64(0), nil
	}
	return fi.Size(), nil
}

func (fw *framework) list(_ *Env, args []Value) (Value, error) {
	p, err := fileArg(args[0])
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(fw.fs, p)
	if err != nil {
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (fw *framework) findLoadedClass(env *Env, args []Value) (Value, error) {
	name, _ := args[1].(string)
	if args[1] == nil {
		return nil, NewThrowable(NullPointerException, "name")
	}
	if c, ok := env.Runtime().LookupClass(name); ok {
		return c, nil
	}
	return nil, nil
}

func (fw *framework) nativeLoad(_ *Env, args []Value) (Value, error) {
	p, _ := args[0].(string)
	if args[0] == nil {
		return nil, NewThrowable(NullPointerException, "filename")
	}
	if fw.load == nil {
		return fmt.Sprintf("dlopen failed: library %q not found", p), nil
	}
	if err := fw.load(p); err != nil {
		return fmt.Sprintf("dlopen failed: %v", err), nil
	}
	return nil, nil
}

var (
	dexMagic = []byte("dex\n")
	zipMagic = []byte("PK\x03\x04")
)

func (fw *framework) openDexFile(_ *Env, args []Value) (Value, error) {
	p, _ := args[0].(string)
	if args[0] == nil {
		return nil, NewThrowable(NullPointerException, "sourceName")
	}
	f, err := fw.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewThrowable(IOException, "No original dex files found for dex location "+p)
		}
		return nil, NewThrowable(IOException, err.Error())
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil ||
		!(bytes.Equal(head, dexMagic) || bytes.Equal(head, zipMagic)) {
		return nil, NewThrowable(IOException, "Failed to open dex files from "+p)
	}
	return []int64{fw.cookie.Add(1)}, nil
}

func (fw *framework) setHiddenAPIExemptions(env *Env, args []Value) (Value, error) {
	prefixes, _ := args[0].([]string)
	env.Runtime().SetHiddenAPIExemptions(prefixes)
	return nil, nil
}
