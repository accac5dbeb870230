package main

import (
	"slices"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/zboralski/prison/internal/config"
	"github.com/zboralski/prison/internal/core"
	"github.com/zboralski/prison/internal/hooks"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PackageName = "com.example.app"
	cfg.VirtualUID = 10123
	cfg.Rules = []config.Rule{{Source: "/data/data/com.example.app", Target: "/data/prison/com.example.app"}}
	cfg.Capture.Package = "com.example.app"
	cfg.FileSystem.Files = map[string]string{
		"/data/prison/com.example.app/files/a.txt": "hello",
	}
	cfg.Probes = config.Probes{
		UID:     true,
		Paths:   []string{"/data/data/com.example.app/files/a.txt"},
		Classes: []string{"de.robv.android.xposed.XposedBridge"},
		Dex:     []string{"/data/app/missing.apk"},
		Deflate: []string{"hello x98"},
	}
	return cfg
}

func TestGuestFS(t *testing.T) {
	fs, err := guestFS(testConfig())
	if err != nil {
		t.Fatalf("guestFS: %v", err)
	}
	data, err := afero.ReadFile(fs, "/data/prison/com.example.app/files/a.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("seeded file = %q, %v", data, err)
	}
}

func TestProcess(t *testing.T) {
	p, err := startProcess(testConfig())
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	defer p.Close()

	r, err := p.install()
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if p.core.State() != core.Ready {
		t.Errorf("state = %v", p.core.State())
	}
	if p.rt.ResourceLoadingRestricted() {
		t.Error("resource loading still restricted")
	}
	if len(r.Failed()) != 1 || r.Failed()[0].Consumer != hooks.Zlib {
		t.Errorf("failed before libz load: %+v", r.Failed())
	}

	want := map[string]string{
		"uid":     "10123",
		"java.io": "/data/prison/com.example.app/files/a.txt (5 bytes)",
		"libc":    "access ok",
		"class":   "not found",
		"dex":     "cookies [1]",
		"deflate": "deflate = 1",
	}
	for _, pr := range p.runProbes() {
		if pr.Err != nil {
			t.Errorf("%s %s: %v", pr.Kind, pr.Input, pr.Err)
			continue
		}
		if w, ok := want[pr.Kind]; ok && !strings.HasPrefix(pr.Output, w) {
			t.Errorf("%s %s = %q, want %q", pr.Kind, pr.Input, pr.Output, w)
		}
	}
	if failed := p.core.Report().Failed(); len(failed) != 0 {
		t.Errorf("failed after libz load: %+v", failed)
	}
	captures, _ := afero.ReadDir(p.fs, p.cfg.Capture.Dir)
	if len(captures) != 1 {
		t.Errorf("captures = %d, want 1", len(captures))
	}

	st := p.status()
	if st.Threads < 1 || st.Syscalls == 0 {
		t.Errorf("status = %+v", st)
	}
	if !st.HiddenAPI || st.Resources {
		t.Errorf("restrictions not lifted: %+v", st)
	}
	var libs []string
	for _, img := range st.Libraries {
		libs = append(libs, img.Name)
	}
	if !slices.Contains(libs, "libc.so") || !slices.Contains(libs, "libz.so") {
		t.Errorf("libraries = %v", libs)
	}
}

func TestInsnTrace(t *testing.T) {
	t.Setenv("PRISON_NO_COLOR", "1")
	cfg := testConfig()
	cfg.Probes = config.Probes{Paths: []string{"/data/data/com.example.app/files/a.txt"}}
	p, err := startProcess(cfg)
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	defer p.Close()

	insns := p.traceInstructions(64)
	if _, err := p.install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	p.runProbes()

	lines, total := insns.Lines()
	if total == 0 || len(lines) == 0 {
		t.Fatal("no instructions recorded")
	}
	text := strings.Join(lines, "\n")
	for _, want := range []string{"libc.so!access", "SVC", "#syscall", "#br"} {
		if !strings.Contains(text, want) {
			t.Errorf("trace lacks %q:\n%s", want, text)
		}
	}
}

func TestIsBlockEnd(t *testing.T) {
	for dis, want := range map[string]bool{
		"RET":           true,
		"BR X17":        true,
		"B.EQ #0x10":    true,
		"CBZ X0, #0x8":  true,
		"MOV X29, SP":   false,
		"SVC #0x0":      false,
		"LDR X17, #0x8": false,
	} {
		if got := isBlockEnd(dis); got != want {
			t.Errorf("isBlockEnd(%q) = %v", dis, got)
		}
	}
}
