package hooks

import (
	"bytes"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/guest"
	"github.com/zboralski/prison/internal/hook"
	"github.com/zboralski/prison/internal/linker"
	"github.com/zboralski/prison/internal/trace"
)

// DefaultMarker is the byte sequence that selects a deflate input for
// capture.
const DefaultMarker = "x98"

// DefaultCaptureDir is where DirSink writes when no directory is set.
const DefaultCaptureDir = "/sdcard/Android/data/com.android.prison"

// CaptureSink stores a captured deflate input and returns where it went.
type CaptureSink interface {
	Save(data []byte) (string, error)
}

// CaptureConfig selects which deflate inputs are captured. Capture is off
// unless Package is set.
type CaptureConfig struct {
	Package string
	Marker  string // defaults to DefaultMarker
	Sink    CaptureSink
}

// DirSink writes each capture to its own file in Dir on FS.
type DirSink struct {
	FS  afero.Fs
	Dir string
}

// Save writes data to Dir/deflate-<uuid>.bin.
func (s *DirSink) Save(data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = DefaultCaptureDir
	}
	if err := s.FS.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("capture dir %s: %w", dir, err)
	}
	name := path.Join(dir, "deflate-"+uuid.NewString()+".bin")
	if err := afero.WriteFile(s.FS, name, data, 0644); err != nil {
		return "", fmt.Errorf("write capture: %w", err)
	}
	return name, nil
}

// zlib captures marked deflate inputs of the configured package. The
// original always runs.
func zlib(d Deps) []*hook.Descriptor {
	const id = "zlib.deflate"
	marker := []byte(d.Capture.Marker)
	if len(marker) == 0 {
		marker = []byte(DefaultMarker)
	}
	enabled := d.Capture.Package != "" && d.Capture.Package == d.PackageName && d.Capture.Sink != nil

	return []*hook.Descriptor{{
		ID:       id,
		Strategy: hook.Inline,
		Module:   linker.Library("libz.so"),
		Symbol:   "deflate",
		Handler: func(c *hook.Call) hook.Action {
			strm := c.Arg(0)
			if !enabled || strm == 0 {
				return hook.Continue()
			}
			next, err := c.ReadU64(strm + guest.ZStreamNextIn)
			if err != nil || next == 0 {
				return hook.Continue()
			}
			avail, err := c.ReadU32(strm + guest.ZStreamAvailIn)
			if err != nil || avail == 0 {
				return hook.Continue()
			}
			data, err := c.Read(next, uint64(avail))
			if err != nil || !bytes.Contains(data, marker) {
				return hook.Continue()
			}

			tid := art.ThreadID(c.Thread())
			file, err := d.Capture.Sink.Save(data)
			if err != nil {
				d.Logger.Warn("deflate capture failed", zap.Error(err))
				d.fallback(tid, id, err)
				return hook.Continue()
			}
			d.Logger.Debug("deflate captured", zap.Int("bytes", len(data)), zap.String("file", file))
			d.emit(tid, trace.Deflate, id, fmt.Sprintf("%d bytes", len(data)), "file", file)
			return hook.Continue()
		},
	}}
}
