package attendsync

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// CacheStorage holds named caches keyed by request URL. Names are registered
// under "n:<name>" and entries live under "e:<name>\x00<url>", so deleting a
// cache is a single prefix sweep.
type CacheStorage struct {
	db  *leveldb.DB
	ram *ramCache

	overflowLog *rateLimitedLogger
}

type cacheMeta struct {
	CreatedAt int64
}

func openCacheStorage(path string, ramMax int64, overflowLog *rateLimitedLogger) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage %s: %w", path, err)
	}
	return &CacheStorage{db: db, ram: newRAMCache(ramMax), overflowLog: overflowLog}, nil
}

func (cs *CacheStorage) Close() error {
	return cs.db.Close()
}

func nameKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func entryKey(name, url string) []byte { return append(entryPrefix(name), url...) }

// Open registers the named cache if it does not exist yet.
func (cs *CacheStorage) Open(name string) error {
	ok, err := cs.db.Has(nameKey(name), nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err := encodeGob(cacheMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return cs.db.Put(nameKey(name), b, nil)
}

// Names lists every registered cache, sorted.
func (cs *CacheStorage) Names() ([]string, error) {
	it := cs.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a cache and every entry in it. Deleting an unknown cache is
// not an error.
func (cs *CacheStorage) Delete(name string) error {
	batch := new(leveldb.Batch)
	it := cs.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(nameKey(name))
	if err := cs.db.Write(batch, nil); err != nil {
		return err
	}
	cs.ram.DeletePrefix(name + "\x00")
	return nil
}

func (cs *CacheStorage) Match(name, url string) (CacheEntry, bool) {
	rk := ramKey(name, url)
	if ent, ok := cs.ram.Get(rk); ok {
		return ent, true
	}
	b, err := cs.db.Get(entryKey(name, url), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	cs.ramPut(rk, ent)
	return ent, true
}

// Put writes ent under url in the named cache, registering the cache first.
func (cs *CacheStorage) Put(name, url string, ent CacheEntry) error {
	if err := cs.Open(name); err != nil {
		return err
	}
	ent.URL = url
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	if err := cs.db.Put(entryKey(name, url), b, nil); err != nil {
		return err
	}
	cs.ramPut(ramKey(name, url), ent)
	return nil
}

func (cs *CacheStorage) ramPut(key string, ent CacheEntry) {
	if n := cs.ram.Put(key, ent); n > 0 && cs.overflowLog != nil {
		cs.overflowLog.Warn(nil, "RAM cache full, evicting least recently used entries")
	}
}

// Has reports whether any entry is stored under url in the named cache.
func (cs *CacheStorage) Has(name, url string) bool {
	ok, err := cs.db.Has(entryKey(name, url), nil)
	return err == nil && ok
}

// Count returns the number of entries in the named cache.
func (cs *CacheStorage) Count(name string) int {
	it := cs.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// ---- encoding ----

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
