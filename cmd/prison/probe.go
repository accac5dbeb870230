package main

import (
	"fmt"
	"strconv"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/guest"
)

// probe is one managed or native call made after the hooks are installed,
// and what it observed.
type probe struct {
	Kind   string
	Input  string
	Output string
	Err    error
}

// runProbes exercises the hooked surfaces named in the config.
func (p *process) runProbes() []probe {
	var out []probe
	pr := p.cfg.Probes
	if pr.UID {
		out = append(out, p.probeUID())
	}
	for _, path := range pr.Paths {
		out = append(out, p.probeJavaFile(path), p.probeLibc(path))
	}
	for _, name := range pr.Classes {
		out = append(out, p.probeClass(name))
	}
	for _, lib := range pr.Libraries {
		out = append(out, p.probeLibrary(lib))
	}
	for _, dex := range pr.Dex {
		out = append(out, p.probeDex(dex))
	}
	if len(pr.Deflate) > 0 {
		if _, err := p.callStatic(art.ClassRuntime, "nativeLoad", art.SigNativeLoad, "libz.so", nil); err != nil {
			out = append(out, probe{Kind: "deflate", Input: "libz.so", Err: err})
			return out
		}
		for _, in := range pr.Deflate {
			out = append(out, p.probeDeflate(in))
		}
	}
	return out
}

func (p *process) callStatic(class, method, sig string, args ...art.Value) (art.Value, error) {
	cls, err := p.env.FindClass(class)
	if err != nil {
		p.env.ExceptionClear()
		return nil, err
	}
	m, err := p.env.GetStaticMethodID(cls, method, sig)
	if err != nil {
		p.env.ExceptionClear()
		return nil, err
	}
	v, err := p.env.Call(m, args...)
	if err != nil {
		p.env.ExceptionClear()
	}
	return v, err
}

func (p *process) probeUID() probe {
	v, err := p.callStatic(art.ClassBinder, "getCallingUid", art.SigGetCallingUID)
	return probe{Kind: "uid", Input: strconv.Itoa(int(p.cfg.HostUID)), Output: fmt.Sprint(v), Err: err}
}

func (p *process) probeJavaFile(path string) probe {
	pr := probe{Kind: "java.io", Input: path}
	v, err := p.callStatic(art.ClassUnixFileSystem, "canonicalize0", art.SigCanonicalize, path)
	if err != nil {
		pr.Err = err
		return pr
	}
	n, err := p.callStatic(art.ClassUnixFileSystem, "getLength", art.SigGetLength, art.NewFile(path))
	pr.Output = fmt.Sprintf("%v (%v bytes)", v, n)
	pr.Err = err
	return pr
}

func (p *process) probeLibc(path string) probe {
	pr := probe{Kind: "libc", Input: path}
	addr, err := p.sys.CString(path)
	if err != nil {
		pr.Err = err
		return pr
	}
	res, err := p.sys.Call(int64(mainThread), "libc.so", "access", addr, 0)
	pr.Err = err
	if res == 0 {
		pr.Output = "access ok"
	} else {
		pr.Output = "access " + guest.Errno(res)
	}
	return pr
}

func (p *process) probeClass(name string) probe {
	v, err := p.callStatic(art.ClassVMClassLoader, "findLoadedClass", art.SigFindLoadedClass, nil, name)
	out := "not found"
	if v != nil {
		out = "visible"
	}
	return probe{Kind: "class", Input: name, Output: out, Err: err}
}

func (p *process) probeLibrary(lib string) probe {
	v, err := p.callStatic(art.ClassRuntime, "nativeLoad", art.SigNativeLoad, lib, nil)
	out := "loaded"
	if msg, ok := v.(string); ok && msg != "" {
		out = msg
	}
	return probe{Kind: "library", Input: lib, Output: out, Err: err}
}

func (p *process) probeDex(path string) probe {
	v, err := p.callStatic(art.ClassDexFile, "openDexFileNative", art.SigOpenDexFile, path, nil, int32(0), nil, nil)
	return probe{Kind: "dex", Input: path, Output: fmt.Sprintf("cookies %v", v), Err: err}
}

// probeDeflate compresses in through the guest libz.
func (p *process) probeDeflate(in string) probe {
	pr := probe{Kind: "deflate", Input: in}
	emu, tid := p.sys.Emu, int64(mainThread)
	outSize := uint64(len(in) + 64)

	strm := emu.Malloc(guest.ZStreamSize)
	src, err := p.sys.CString(in)
	if err != nil {
		pr.Err = err
		return pr
	}
	dst := emu.Malloc(outSize)
	for _, w := range []error{
		emu.MemWrite(strm, make([]byte, guest.ZStreamSize)),
		emu.MemWriteU64(strm+guest.ZStreamNextIn, src),
		emu.MemWriteU32(strm+guest.ZStreamAvailIn, uint32(len(in))),
		emu.MemWriteU64(strm+guest.ZStreamNextOut, dst),
		emu.MemWriteU32(strm+guest.ZStreamAvailOut, uint32(outSize)),
	} {
		if w != nil {
			pr.Err = w
			return pr
		}
	}

	if res, err := p.sys.Call(tid, "libz.so", "deflateInit_", strm, 6, 0, guest.ZStreamSize); err != nil || res != guest.ZOK {
		pr.Err = fmt.Errorf("deflateInit_ = %d: %v", res, err)
		return pr
	}
	defer p.sys.Call(tid, "libz.so", "deflateEnd", strm)

	res, err := p.sys.Call(tid, "libz.so", "deflate", strm, guest.ZFinish)
	if err != nil {
		pr.Err = err
		return pr
	}
	total, _ := emu.MemReadU64(strm + guest.ZStreamTotalOut)
	pr.Output = fmt.Sprintf("deflate = %d, %d -> %d bytes", res, len(in), total)
	return pr
}
