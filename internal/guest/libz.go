package guest

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/emulator"
)

// zlib syscall numbers.
const (
	SysDeflateInit = 0x500
	SysDeflate     = 0x501
	SysDeflateEnd  = 0x502
)

// z_stream field offsets on arm64.
const (
	ZStreamNextIn   = 0
	ZStreamAvailIn  = 8
	ZStreamTotalIn  = 16
	ZStreamNextOut  = 24
	ZStreamAvailOut = 32
	ZStreamTotalOut = 40
	ZStreamSize     = 112
)

// zlib return codes and flush modes.
const (
	ZOK          = 0
	ZStreamEnd   = 1
	ZStreamError = -2
	ZBufError    = -5

	ZNoFlush   = 0
	ZSyncFlush = 2
	ZFullFlush = 3
	ZFinish    = 4
)

// zstream is the host side of a guest z_stream.
type zstream struct {
	out      bytes.Buffer
	w        *zlib.Writer
	finished bool
}

type zlibState struct {
	mu      sync.Mutex
	streams map[uint64]*zstream
}

func newZlibState() *zlibState {
	return &zlibState{streams: make(map[uint64]*zstream)}
}

var zlibSyscalls = []Syscall{
	{SysDeflateInit, "deflateInit_", sysDeflateInit},
	{SysDeflate, "deflate", sysDeflate},
	{SysDeflateEnd, "deflateEnd", sysDeflateEnd},
}

// sysDeflateInit is deflateInit_(strm, level, version, stream_size).
func sysDeflateInit(k *Kernel, emu *emulator.Emulator) int64 {
	strm, level := emu.X(0), int(int32(emu.X(1)))
	if strm == 0 {
		return ZStreamError
	}
	s := &zstream{}
	w, err := zlib.NewWriterLevel(&s.out, level)
	if err != nil {
		k.log.Debug("deflateInit_", zap.Int("level", level), zap.Error(err))
		return ZStreamError
	}
	s.w = w
	if err := emu.MemWriteU64(strm+ZStreamTotalIn, 0); err != nil {
		return ZStreamError
	}
	if err := emu.MemWriteU64(strm+ZStreamTotalOut, 0); err != nil {
		return ZStreamError
	}

	k.zlib.mu.Lock()
	k.zlib.streams[strm] = s
	k.zlib.mu.Unlock()
	k.trace("deflateInit_", fmt.Sprintf("strm=0x%x level=%d", strm, level), ZOK)
	return ZOK
}

// sysDeflate is deflate(strm, flush).
func sysDeflate(k *Kernel, emu *emulator.Emulator) int64 {
	strm, flush := emu.X(0), int(int32(emu.X(1)))

	k.zlib.mu.Lock()
	s, ok := k.zlib.streams[strm]
	k.zlib.mu.Unlock()
	if !ok {
		return ZStreamError
	}

	res, err := s.step(emu, strm, flush)
	if err != nil {
		k.log.Debug("deflate", zap.Error(err))
	}
	k.trace("deflate", fmt.Sprintf("strm=0x%x flush=%d", strm, flush), res)
	return res
}

func (s *zstream) step(emu *emulator.Emulator, strm uint64, flush int) (int64, error) {
	nextIn, err := emu.MemReadU64(strm + ZStreamNextIn)
	if err != nil {
		return ZStreamError, err
	}
	availIn, err := emu.MemReadU32(strm + ZStreamAvailIn)
	if err != nil {
		return ZStreamError, err
	}
	nextOut, err := emu.MemReadU64(strm + ZStreamNextOut)
	if err != nil {
		return ZStreamError, err
	}
	availOut, err := emu.MemReadU32(strm + ZStreamAvailOut)
	if err != nil {
		return ZStreamError, err
	}

	if availIn > 0 {
		if s.finished {
			return ZStreamError, fmt.Errorf("input after Z_FINISH")
		}
		in, err := emu.MemRead(nextIn, uint64(availIn))
		if err != nil {
			return ZStreamError, err
		}
		if _, err := s.w.Write(in); err != nil {
			return ZStreamError, err
		}
	}
	switch {
	case flush == ZFinish && !s.finished:
		if err := s.w.Close(); err != nil {
			return ZStreamError, err
		}
		s.finished = true
	case flush == ZSyncFlush || flush == ZFullFlush:
		if err := s.w.Flush(); err != nil {
			return ZStreamError, err
		}
	}

	n := min(uint32(s.out.Len()), availOut)
	if n > 0 {
		if err := emu.MemWrite(nextOut, s.out.Next(int(n))); err != nil {
			return ZStreamError, err
		}
	}

	if err := s.advance(emu, strm, availIn, n); err != nil {
		return ZStreamError, err
	}

	switch {
	case s.finished && s.out.Len() == 0:
		return ZStreamEnd, nil
	case availIn == 0 && n == 0:
		return ZBufError, nil
	}
	return ZOK, nil
}

// advance moves the stream pointers past consumed input and produced output.
func (s *zstream) advance(emu *emulator.Emulator, strm uint64, consumed, produced uint32) error {
	fields := []struct {
		off   uint64
		delta uint64
		u32   bool // avail_* fields count down
	}{
		{ZStreamNextIn, uint64(consumed), false},
		{ZStreamAvailIn, uint64(consumed), true},
		{ZStreamTotalIn, uint64(consumed), false},
		{ZStreamNextOut, uint64(produced), false},
		{ZStreamAvailOut, uint64(produced), true},
		{ZStreamTotalOut, uint64(produced), false},
	}
	for _, f := range fields {
		if f.u32 {
			v, err := emu.MemReadU32(strm + f.off)
			if err != nil {
				return err
			}
			if err := emu.MemWriteU32(strm+f.off, v-uint32(f.delta)); err != nil {
				return err
			}
			continue
		}
		v, err := emu.MemReadU64(strm + f.off)
		if err != nil {
			return err
		}
		if err := emu.MemWriteU64(strm+f.off, v+f.delta); err != nil {
			return err
		}
	}
	return nil
}

// sysDeflateEnd is deflateEnd(strm).
func sysDeflateEnd(k *Kernel, emu *emulator.Emulator) int64 {
	strm := emu.X(0)
	k.zlib.mu.Lock()
	_, ok := k.zlib.streams[strm]
	delete(k.zlib.streams, strm)
	k.zlib.mu.Unlock()

	res := int64(ZOK)
	if !ok {
		res = ZStreamError
	}
	k.trace("deflateEnd", fmt.Sprintf("strm=0x%x", strm), res)
	return res
}
