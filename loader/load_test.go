package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/evanphx/bottomhalf/extable"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func encode(t *testing.T, entries []extable.Entry) []byte {
	var buf bytes.Buffer
	require.NoError(t, EncodeTable(&buf, extable.Build(entries)))
	return buf.Bytes()
}

// wasmModule builds a module containing only custom sections.
func wasmModule(sections map[string][]byte) []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	for name, data := range sections {
		var payload []byte
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
		payload = append(payload, data...)

		out = append(out, 0x00)
		out = binary.AppendUvarint(out, uint64(len(payload)))
		out = append(out, payload...)
	}

	return out
}

func TestLoader(t *testing.T) {
	n := neko.Modern(t)

	entries := []extable.Entry{{Insn: 0x1000, Fixup: 0x9000}, {Insn: 0x1010, Fixup: 0x9010}}

	n.It("loads a raw table image", func(t *testing.T) {
		l := NewLoader(nil)

		unit, err := l.Load("netdrv", bytes.NewReader(encode(t, entries)))
		require.NoError(t, err)

		require.Equal(t, "netdrv", unit.Name)
		require.Equal(t, entries, unit.Table.Entries())
		require.NotEmpty(t, unit.Digest)

		fixup, ok := unit.Table.Lookup(0x1012)
		require.True(t, ok)
		require.Equal(t, uint64(0x9010), fixup)
	})

	n.It("loads the table from a wasm custom section", func(t *testing.T) {
		l := NewLoader(nil)

		img := wasmModule(map[string][]byte{SectionName: encode(t, entries)})

		unit, err := l.Load("mod", bytes.NewReader(img))
		require.NoError(t, err)
		require.Equal(t, entries, unit.Table.Entries())
	})

	n.It("rejects a wasm module without the section", func(t *testing.T) {
		l := NewLoader(nil)

		img := wasmModule(map[string][]byte{"producers": []byte("x")})

		_, err := l.Load("mod", bytes.NewReader(img))
		require.Equal(t, ErrNoTable, errors.Cause(err))
	})

	n.It("reuses decoded tables for identical images", func(t *testing.T) {
		cache := NewLoaderCache(4)
		l := NewLoader(cache)

		img := encode(t, entries)

		a, err := l.Load("a", bytes.NewReader(img))
		require.NoError(t, err)

		b, err := l.Load("b", bytes.NewReader(img))
		require.NoError(t, err)

		require.Equal(t, 1, cache.Len())
		require.Equal(t, a.Digest, b.Digest)
		require.Equal(t, "b", b.Name)
	})

	n.It("rejects tables out of order", func(t *testing.T) {
		l := NewLoader(nil)

		img := encode(t, []extable.Entry{{Insn: 0x20, Fixup: 1}, {Insn: 0x10, Fixup: 2}})

		_, err := l.Load("bad", bytes.NewReader(img))
		require.Equal(t, extable.ErrUnsorted, errors.Cause(err))
	})

	n.It("rejects unknown images", func(t *testing.T) {
		l := NewLoader(nil)

		_, err := l.Load("junk", bytes.NewReader([]byte("ELF\x7fxxxxxxxx")))
		require.Equal(t, ErrUnknownType, errors.Cause(err))

		_, err = l.Load("short", bytes.NewReader([]byte("E")))
		require.Equal(t, ErrUnknownType, errors.Cause(err))
	})

	n.Meow()
}

func TestDecodeTable(t *testing.T) {
	img := encode(t, nil)

	tbl, err := DecodeTable(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, 0, tbl.Len())

	bad := append([]byte(nil), img...)
	binary.LittleEndian.PutUint32(bad[4:], 7)

	_, err = DecodeTable(bytes.NewReader(bad))
	require.Equal(t, ErrBadVersion, errors.Cause(err))

	huge := append([]byte(nil), img...)
	binary.LittleEndian.PutUint32(huge[8:], maxEntries+1)

	_, err = DecodeTable(bytes.NewReader(huge))
	require.Equal(t, ErrTooLarge, errors.Cause(err))

	truncated := encode(t, []extable.Entry{{Insn: 1, Fixup: 2}})
	_, err = DecodeTable(bytes.NewReader(truncated[:len(truncated)-3]))
	require.Error(t, err)

	_, err = DecodeTable(bytes.NewReader([]byte("NOPE\x01\x00\x00\x00\x00\x00\x00\x00")))
	require.Equal(t, ErrBadMagic, errors.Cause(err))
}

func TestLoaderCacheConcurrentLen(t *testing.T) {
	cache := NewLoaderCache(8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			cache.Set(string(rune('a'+i%8)), extable.Table{})
		}
	}()

	for i := 0; i < 100; i++ {
		require.LessOrEqual(t, cache.Len(), 8)
	}

	<-done
	require.Equal(t, 8, cache.Len())
}
