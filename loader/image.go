package loader

import (
	"encoding/binary"
	"io"

	"github.com/evanphx/bottomhalf/extable"
	"github.com/pkg/errors"
)

// Raw table image, little endian:
//
//	magic   [4]byte "EXTB"
//	version uint32
//	count   uint32
//	entries [count]struct{ Insn, Fixup uint64 }

const ImageVersion = 1

// maxEntries bounds the allocation made for a corrupt count field.
const maxEntries = 1 << 24

var tableMagic = [4]byte{'E', 'X', 'T', 'B'}

var (
	ErrBadMagic   = errors.New("loader: bad table magic")
	ErrBadVersion = errors.New("loader: unsupported table version")
	ErrTooLarge   = errors.New("loader: table too large")
)

type imageHeader struct {
	Magic   [4]byte
	Version uint32
	Count   uint32
}

// EncodeTable writes t as a raw table image.
func EncodeTable(w io.Writer, t extable.Table) error {
	entries := t.Entries()

	hdr := imageHeader{
		Magic:   tableMagic,
		Version: ImageVersion,
		Count:   uint32(len(entries)),
	}

	err := binary.Write(w, binary.LittleEndian, hdr)
	if err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, entries)
}

// DecodeTable reads a raw table image. It does not validate ordering.
func DecodeTable(r io.Reader) (extable.Table, error) {
	var hdr imageHeader

	err := binary.Read(r, binary.LittleEndian, &hdr)
	if err != nil {
		return extable.Table{}, errors.Wrap(err, "reading table header")
	}

	if hdr.Magic != tableMagic {
		return extable.Table{}, errors.Wrapf(ErrBadMagic, "magic=%q", hdr.Magic[:])
	}

	if hdr.Version != ImageVersion {
		return extable.Table{}, errors.Wrapf(ErrBadVersion, "version=%d", hdr.Version)
	}

	if hdr.Count > maxEntries {
		return extable.Table{}, errors.Wrapf(ErrTooLarge, "count=%d", hdr.Count)
	}

	entries := make([]extable.Entry, hdr.Count)

	err = binary.Read(r, binary.LittleEndian, entries)
	if err != nil {
		return extable.Table{}, errors.Wrapf(err, "reading %d entries", hdr.Count)
	}

	return extable.Build(entries), nil
}
