package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"path"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/zboralski/prison/internal/art"
	"github.com/zboralski/prison/internal/log"
)

// EmptyDexPath is where the placeholder dex is written. Paths under a
// "/prison/" directory are never redirected.
const EmptyDexPath = "/data/prison/empty.dex"

const dexHeaderSize = 0x70

// ErrDexBusy is returned when the placeholder dex is requested while it is
// being opened on the same thread.
var ErrDexBusy = errors.New("placeholder dex already opening")

// emptyDex returns a dex file consisting of a bare header.
func emptyDex() []byte {
	b := make([]byte, dexHeaderSize)
	copy(b, "dex\n035\x00")
	binary.LittleEndian.PutUint32(b[32:], dexHeaderSize) // file_size
	binary.LittleEndian.PutUint32(b[36:], dexHeaderSize) // header_size
	binary.LittleEndian.PutUint32(b[40:], 0x12345678)    // endian_tag
	binary.LittleEndian.PutUint32(b[8:], adler32.Checksum(b[12:]))
	return b
}

func (c *Core) writeEmptyDex() error {
	c.dex.Do(func() {
		if err := c.fs.MkdirAll(path.Dir(EmptyDexPath), 0755); err != nil {
			c.dexErr = err
			return
		}
		c.dexErr = afero.WriteFile(c.fs, EmptyDexPath, emptyDex(), 0644)
	})
	return c.dexErr
}

// OpenEmptyDex opens the placeholder dex through DexFile.openDexFileNative
// on thread tid and returns its cookies.
func (c *Core) OpenEmptyDex(tid art.ThreadID) ([]int64, error) {
	if _, busy := c.opening.LoadOrStore(tid, struct{}{}); busy {
		return nil, ErrDexBusy
	}
	defer c.opening.Delete(tid)

	if err := c.writeEmptyDex(); err != nil {
		return nil, fmt.Errorf("write %s: %w", EmptyDexPath, err)
	}
	env, err := c.rt.AttachCurrentThread(tid)
	if err != nil {
		return nil, err
	}
	cls, err := env.FindClass(art.ClassDexFile)
	if err != nil {
		env.ExceptionClear()
		return nil, err
	}
	m, err := env.GetStaticMethodID(cls, "openDexFileNative", art.SigOpenDexFile)
	if err != nil {
		env.ExceptionClear()
		return nil, err
	}
	v, err := env.Call(m, EmptyDexPath, nil, int32(0), nil, nil)
	if err != nil {
		var t *art.Throwable
		if errors.As(err, &t) && env.ExceptionOccurred() == t {
			env.ExceptionClear()
		}
		return nil, err
	}
	cookies, ok := v.([]int64)
	if !ok {
		return nil, fmt.Errorf("%w: %T", art.ErrBadReturn, v)
	}
	c.log.Debug("placeholder dex opened", log.Thread(int64(tid)), zap.Int64s("cookies", cookies))
	return cookies, nil
}
