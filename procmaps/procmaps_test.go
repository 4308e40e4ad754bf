package procmaps

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = `7a1c000000-7a1c2f0000 r-xp 00000000 fd:04 1311   /data/app/lib/arm64/libminecraftpe.so
7a1c2f0000-7a1c300000 ---p 00000000 00:00 0
7a1c300000-7a1c340000 r--p 002f0000 fd:04 1311   /data/app/lib/arm64/libminecraftpe.so
7a1c340000-7a1c348000 rw-p 00330000 fd:04 1311   /data/app/lib/arm64/libminecraftpe.so
7a1c348000-7a1c400000 rw-p 00000000 00:00 0      [anon:.bss]
7b00000000-7b00010000 r-xp 00000000 fd:04 2002   /system/lib64/libc.so
7ffd1000-7ffd2000 rw-p 00000000 00:00 0          [stack]
7c00000000-7c00001000 r--p 00000000 fd:04 3003   /data/my mods/libmod one.so
garbage
`

func TestParseLine(t *testing.T) {
	m, err := ParseLine("7a1c300000-7a1c340000 r--p 002f0000 fd:04 1311   /data/app/libminecraftpe.so")
	require.NoError(t, err)

	assert := assert.New(t)
	assert.Equal(uintptr(0x7a1c300000), m.Start)
	assert.Equal(uintptr(0x7a1c340000), m.End)
	assert.Equal(uintptr(0x40000), m.Len())
	assert.Equal("r--p", m.Perms)
	assert.Equal(uint64(0x2f0000), m.Offset)
	assert.Equal("fd:04", m.Dev)
	assert.Equal(uint64(1311), m.Inode)
	assert.Equal("/data/app/libminecraftpe.so", m.Path)
}

func TestParseLine_Bad(t *testing.T) {
	for _, line := range []string{
		"",
		"garbage",
		"zz-10 r-xp 0 00:00 0 /x",
		"10-zz r-xp 0 00:00 0 /x",
		"20-10 r-xp 0 00:00 0 /x",
		"10-20 r-xp qq 00:00 0 /x",
		"10-20 r-xp 0 00:00 x /x",
		"1020 r-xp 0 00:00 0 /x",
	} {
		_, err := ParseLine(line)
		assert.True(t, errors.Is(err, ErrBadLine), "line %q: %v", line, err)
	}
}

func TestParse(t *testing.T) {
	maps, err := Parse(strings.NewReader(table))
	require.NoError(t, err)
	assert.Len(t, maps, 8)
	assert.Equal(t, "", maps[1].Path)
	assert.Equal(t, "[anon:.bss]", maps[4].Path)
	assert.Equal(t, "/data/my mods/libmod one.so", maps[7].Path)
}

func TestSelect(t *testing.T) {
	maps, err := Parse(strings.NewReader(table))
	require.NoError(t, err)

	r := Select(maps, "libminecraftpe.so")
	assert.True(t, r.Found())
	assert.Equal(t, uintptr(0x7a1c000000), r.Base)
	assert.Equal(t, uintptr(0x2f0000+0x40000+0x8000), r.Size)
	assert.Equal(t, "/data/app/lib/arm64/libminecraftpe.so", r.Path)

	r = Select(maps, "libmod one")
	assert.Equal(t, uintptr(0x7c00000000), r.Base)
	assert.Equal(t, uintptr(0x1000), r.Size)

	assert.False(t, Select(maps, "libmissing.so").Found())
	assert.False(t, Select(maps, "").Found())
}

type countingSource struct {
	reads int32
	text  string
	err   error
}

func (c *countingSource) open() (io.ReadCloser, error) {
	atomic.AddInt32(&c.reads, 1)
	if c.err != nil {
		return nil, c.err
	}
	return io.NopCloser(strings.NewReader(c.text)), nil
}

func TestLocator_CachesHit(t *testing.T) {
	src := &countingSource{text: table}
	l := NewLocator(WithSource(src.open))

	first := l.Locate("libminecraftpe.so")
	second := l.Locate("libminecraftpe.so")

	assert.Equal(t, first, second)
	assert.Equal(t, uintptr(0x7a1c000000), first.Base)
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.reads))

	l.Locate("libc.so")
	assert.EqualValues(t, 2, atomic.LoadInt32(&src.reads))
}

func TestLocator_CachesMiss(t *testing.T) {
	src := &countingSource{text: table}
	l := NewLocator(WithSource(src.open))

	for i := 0; i < 3; i++ {
		r := l.Locate("libmissing.so")
		assert.Equal(t, Range{}, r)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.reads))
}

func TestLocator_CachesOpenFailure(t *testing.T) {
	src := &countingSource{err: errors.New("permission denied")}
	l := NewLocator(WithSource(src.open))

	assert.False(t, l.Locate("libminecraftpe.so").Found())
	assert.False(t, l.Locate("libminecraftpe.so").Found())
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.reads))
}

func TestLocator_Concurrent(t *testing.T) {
	src := &countingSource{text: table}
	l := NewLocator(WithSource(src.open))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, l.Locate("libminecraftpe.so").Found())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.reads))
}

func TestLocator_Self(t *testing.T) {
	l := NewLocator()
	// the vdso is mapped into every linux process
	r := l.Locate("[vdso]")
	if !r.Found() {
		t.Skip("no vdso mapping")
	}
	assert.NotZero(t, r.Size)
}
