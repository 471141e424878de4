package interceptor

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// StoreDir manages the shared data directory holding one LevelDB store per
// generation. Store names double as directory names, so listing generations
// is a directory read and deleting one is a directory removal.
type StoreDir struct {
	root string

	mu   sync.Mutex
	open map[string]*GenStore
}

func OpenDir(root string) (*StoreDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &StoreDir{root: root, open: map[string]*GenStore{}}, nil
}

// Open returns the store for name, creating it if needed. Handles are shared:
// a second Open of the same name returns the same store.
func (d *StoreDir) Open(name string) (*GenStore, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid store name %q", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.open[name]; ok {
		return g, nil
	}
	db, err := leveldb.OpenFile(filepath.Join(d.root, name), nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	g := &GenStore{name: name, db: db}
	d.open[name] = g
	return g, nil
}

// List returns the names of every store in the directory, owned or not.
func (d *StoreDir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListOwned returns stores whose names carry the given prefix.
func (d *StoreDir) ListOwned(prefix string) ([]string, error) {
	all, err := d.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Delete removes a store and its directory. Idempotent: deleting a missing
// store is not an error.
func (d *StoreDir) Delete(name string) error {
	d.mu.Lock()
	if g, ok := d.open[name]; ok {
		_ = g.db.Close()
		delete(d.open, name)
	}
	d.mu.Unlock()
	return os.RemoveAll(filepath.Join(d.root, name))
}

// DeleteAll removes every store regardless of owner and reports how many
// existed.
func (d *StoreDir) DeleteAll() (int, error) {
	names, err := d.List()
	if err != nil {
		return 0, err
	}
	for _, name := range names {
		if err := d.Delete(name); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

// Exists reports whether a store directory is present.
func (d *StoreDir) Exists(name string) bool {
	info, err := os.Stat(filepath.Join(d.root, name))
	return err == nil && info.IsDir()
}

func (d *StoreDir) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, g := range d.open {
		_ = g.db.Close()
		delete(d.open, name)
	}
}

// GenStore holds one generation's entries. Keys are independent; concurrent
// writes to different keys never conflict and the last write to a key wins.
type GenStore struct {
	name string
	db   *leveldb.DB
}

const (
	entryPrefix   = "e:"
	statusMetaKey = "meta:status"
)

func (g *GenStore) Name() string { return g.name }

func (g *GenStore) Get(key string) (CacheEntry, bool) {
	b, err := g.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (g *GenStore) Put(key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return g.db.Put([]byte(entryPrefix+key), b, nil)
}

// PutBatch writes a set of entries in one LevelDB batch.
func (g *GenStore) PutBatch(entries map[string]CacheEntry) error {
	batch := new(leveldb.Batch)
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put([]byte(entryPrefix+key), b)
	}
	return g.db.Write(batch, nil)
}

func (g *GenStore) Delete(key string) error {
	return g.db.Delete([]byte(entryPrefix+key), nil)
}

func (g *GenStore) Keys() []string {
	it := g.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix))))
	}
	return out
}

func (g *GenStore) Count() int {
	it := g.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

func (g *GenStore) Status() GenStatus {
	b, err := g.db.Get([]byte(statusMetaKey), nil)
	if err != nil {
		return StatusInstalling
	}
	return GenStatus(b)
}

func (g *GenStore) SetStatus(s GenStatus) error {
	return g.db.Put([]byte(statusMetaKey), []byte(s), nil)
}

func newEntry(status int, header http.Header, body []byte) CacheEntry {
	ent := CacheEntry{
		Status:   status,
		Header:   cloneHeader(header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   hash32(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
