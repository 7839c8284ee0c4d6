// Package loader turns extension images into fault tables. An image is
// either a raw table (see EncodeTable) or a wasm module carrying the raw
// table in a custom section named SectionName.
package loader

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/bottomhalf/extable"
	"github.com/evanphx/bottomhalf/log"
	"github.com/go-interpreter/wagon/wasm"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// SectionName is the wasm custom section holding an extension's table.
const SectionName = "extable"

var (
	ErrNoTable     = errors.New("loader: module has no extable section")
	ErrUnknownType = errors.New("loader: unrecognized image")
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache(size int) *LoaderCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (extable.Table, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return extable.Table{}, false
	}

	return val.(extable.Table), true
}

func (l *LoaderCache) Set(key string, t extable.Table) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, t)
}

func (l *LoaderCache) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     hclog.L(),
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func (l *Loader) LoadFile(name, path string) (*extable.Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return l.Load(name, f)
}

// Load decodes the image in r into a unit called name. The table must
// satisfy extable.Table.Validate.
func (l *Loader) Load(name string, r io.ReadSeeker) (*extable.Unit, error) {
	tbl, digest, err := l.LoadTable(r)
	if err != nil {
		return nil, errors.Wrapf(err, "loading unit %s", name)
	}

	l.L.Debug("loaded extension table", "unit", name, "entries", tbl.Len(), "digest", digest)

	return &extable.Unit{
		Name:   name,
		Table:  tbl,
		Digest: digest,
	}, nil
}

// LoadTable decodes and validates the table in r, returning it with the
// image's content digest.
func (l *Loader) LoadTable(r io.ReadSeeker) (extable.Table, string, error) {
	log.L.Trace("calculating image digest")

	h, err := blake2b.New256(nil)
	if err != nil {
		return extable.Table{}, "", err
	}

	_, err = io.Copy(h, r)
	if err != nil {
		return extable.Table{}, "", err
	}

	digest := base64.URLEncoding.EncodeToString(h.Sum(nil))

	if l.cache != nil {
		if tbl, ok := l.cache.Lookup(digest); ok {
			log.L.Debug("using cached table", "key", digest)
			return tbl, digest, nil
		}
	}

	_, err = r.Seek(0, io.SeekStart)
	if err != nil {
		return extable.Table{}, "", err
	}

	tbl, err := readImage(r)
	if err != nil {
		return extable.Table{}, "", err
	}

	err = tbl.Validate()
	if err != nil {
		return extable.Table{}, "", err
	}

	if l.cache != nil {
		log.L.Debug("cached table", "key", digest)
		l.cache.Set(digest, tbl)
	}

	return tbl, digest, nil
}

func readImage(r io.ReadSeeker) (extable.Table, error) {
	var magic [4]byte

	_, err := io.ReadFull(r, magic[:])
	if err != nil {
		return extable.Table{}, errors.Wrap(ErrUnknownType, err.Error())
	}

	_, err = r.Seek(0, io.SeekStart)
	if err != nil {
		return extable.Table{}, err
	}

	switch {
	case bytes.Equal(magic[:], wasmMagic):
		return readModule(r)
	case bytes.Equal(magic[:], tableMagic[:]):
		return DecodeTable(r)
	default:
		return extable.Table{}, errors.Wrapf(ErrUnknownType, "magic=%q", magic[:])
	}
}

func readModule(r io.Reader) (extable.Table, error) {
	m, err := wasm.DecodeModule(r)
	if err != nil {
		return extable.Table{}, errors.Wrap(err, "decoding wasm module")
	}

	for _, sec := range m.Customs {
		if sec.Name == SectionName {
			return DecodeTable(bytes.NewReader(sec.Data))
		}
	}

	return extable.Table{}, ErrNoTable
}
