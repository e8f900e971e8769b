package imgreq

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: "e:<url>" holds the gob-encoded imageEntry, "m:<url>" its diskMeta.
const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOpKind uint8

const (
	diskOpPut diskOpKind = iota
	diskOpTouch
	diskOpDelete
	diskOpFlush
)

type diskOp struct {
	kind diskOpKind
	key  string
	ent  *imageEntry
	done chan struct{}
}

// diskCache persists encoded images in leveldb. Writes go through a single
// writer goroutine; reads hit leveldb directly.
type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}
}

func newDiskCache(path string, maxBytes int64) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	close(d.ops)
	<-d.done
	_ = d.db.Close()
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[key]
	return ok
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

// Peek reads an entry without recording the access.
func (d *diskCache) Peek(key string) (imageEntry, bool) {
	b, err := d.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return imageEntry{}, false
	}
	var ent imageEntry
	if err := decodeGob(b, &ent); err != nil {
		return imageEntry{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (imageEntry, bool) {
	ent, ok := d.Peek(key)
	if !ok {
		return imageEntry{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.ops <- diskOp{kind: diskOpTouch, key: key}
	}
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent imageEntry) {
	clone := ent
	d.ops <- diskOp{kind: diskOpPut, key: key, ent: &clone}
}

func (d *diskCache) Delete(key string) {
	d.ops <- diskOp{kind: diskOpDelete, key: key}
}

// Flush waits until every operation queued before it has been applied.
func (d *diskCache) Flush() {
	done := make(chan struct{})
	d.ops <- diskOp{kind: diskOpFlush, done: done}
	<-done
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch op.kind {
		case diskOpPut:
			d.applyPut(op.key, op.ent)
		case diskOpTouch:
			d.applyTouch(op.key)
		case diskOpDelete:
			d.applyDelete(op.key)
		case diskOpFlush:
			close(op.done)
		}
	}
}

func (d *diskCache) applyPut(key string, ent *imageEntry) {
	b, err := encodeGob(*ent)
	if err != nil {
		return
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+key), b)
	batch.Put([]byte(metaPrefix+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return
	}

	d.mu.Lock()
	d.totalSize += meta.Size - d.index[key].Size
	d.index[key] = meta
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
}

func (d *diskCache) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	_ = d.db.Put([]byte(metaPrefix+key), mb, nil)
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently accessed 10% of entries.
func (d *diskCache) evictSome() {
	type candidate struct {
		key        string
		lastAccess int64
	}
	d.mu.Lock()
	items := make([]candidate, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, candidate{k, m.LastAccess})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].lastAccess < items[j].lastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
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
