package attendsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	OutboxDBName      = "attendance-offline-db"
	OutboxStoreName   = "offline-attendance"
	outboxSchemaVer   = 1
	timestampLayout   = "2006-01-02T15:04:05.000Z"
	metaVersionKey    = "meta:version"
	metaStorePrefix   = "meta:store:"
	recordKeyPrefixFm = "s:%s:"
)

var (
	ErrQuotaExceeded = errors.New("outbox quota exceeded")
	ErrCorrupted     = errors.New("outbox store corrupted")
	ErrSchemaVersion = errors.New("outbox schema is newer than this build")
)

// Outbox writes are fsynced: a capture is only acknowledged once durable.
var leveldbSync = opt.WriteOptions{Sync: true}

// Outbox is the durable queue of captured mutations awaiting replay.
type Outbox interface {
	// Append stores m and returns it as stored, with its unique timestamp key.
	Append(ctx context.Context, m PendingMutation) (PendingMutation, error)
	// List returns every record in timestamp order.
	List(ctx context.Context) ([]PendingMutation, error)
	// Delete removes one record. Deleting a missing key is not an error.
	Delete(ctx context.Context, timestamp string) error
	Count(ctx context.Context) (int, error)
}

// schemaUpgrades[v] moves a database from version v to v+1. Steps may create
// stores but never rewrite existing records.
var schemaUpgrades = map[int]func(b *leveldb.Batch){
	0: func(b *leveldb.Batch) {
		b.Put([]byte(metaStorePrefix+OutboxStoreName), []byte(OutboxStoreName))
	},
}

// LevelOutbox implements Outbox on leveldb. Appends are serialized so that
// concurrent captures receive distinct, increasing timestamps.
type LevelOutbox struct {
	db       *leveldb.DB
	maxBytes int64
	now      func() time.Time

	mu    sync.Mutex
	last  time.Time
	bytes int64
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// OpenOutbox opens (creating if needed) the outbox database under dir.
// maxBytes caps the total stored payload; zero means unlimited.
func OpenOutbox(dir string, maxBytes int64) (*LevelOutbox, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		if lverrors.IsCorrupted(err) {
			return nil, fmt.Errorf("open %s: %w: %v", OutboxDBName, ErrCorrupted, err)
		}
		return nil, fmt.Errorf("open %s: %w", OutboxDBName, err)
	}
	o := &LevelOutbox{db: db, maxBytes: maxBytes, now: time.Now}
	if err := o.upgrade(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := o.loadState(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func (o *LevelOutbox) Close() error {
	return o.db.Close()
}

func (o *LevelOutbox) upgrade() error {
	cur := 0
	b, err := o.db.Get([]byte(metaVersionKey), nil)
	switch {
	case err == nil:
		cur, err = strconv.Atoi(string(b))
		if err != nil {
			return fmt.Errorf("%w: bad schema version %q", ErrCorrupted, b)
		}
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return err
	}
	if cur > outboxSchemaVer {
		return fmt.Errorf("%w: on disk %d, supported %d", ErrSchemaVersion, cur, outboxSchemaVer)
	}
	if cur == outboxSchemaVer {
		return nil
	}
	batch := new(leveldb.Batch)
	for v := cur; v < outboxSchemaVer; v++ {
		step, ok := schemaUpgrades[v]
		if !ok {
			return fmt.Errorf("no upgrade step from schema %d", v)
		}
		step(batch)
	}
	batch.Put([]byte(metaVersionKey), []byte(strconv.Itoa(outboxSchemaVer)))
	return o.db.Write(batch, nil)
}

func recordPrefix() []byte {
	return []byte(fmt.Sprintf(recordKeyPrefixFm, OutboxStoreName))
}

func recordKey(ts string) []byte {
	return append(recordPrefix(), ts...)
}

// loadState restores the last key and the byte total so timestamps stay
// monotonic and the quota holds across restarts.
func (o *LevelOutbox) loadState() error {
	it := o.db.NewIterator(util.BytesPrefix(recordPrefix()), nil)
	defer it.Release()
	var total int64
	for it.Next() {
		total += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return err
	}
	if it.Last() {
		ts := string(it.Key()[len(recordPrefix()):])
		t, err := parseTimestamp(ts)
		if err != nil {
			return fmt.Errorf("%w: bad key %q", ErrCorrupted, ts)
		}
		o.last = t
	}
	o.bytes = total
	return nil
}

func (o *LevelOutbox) Append(ctx context.Context, m PendingMutation) (PendingMutation, error) {
	if err := ctx.Err(); err != nil {
		return PendingMutation{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := parseTimestamp(m.Timestamp)
	if err != nil {
		t = o.now().UTC().Truncate(time.Millisecond)
	}
	if !t.After(o.last) {
		t = o.last.Add(time.Millisecond)
	}
	m.Timestamp = formatTimestamp(t)

	b, err := json.Marshal(m)
	if err != nil {
		return PendingMutation{}, err
	}
	if o.maxBytes > 0 && o.bytes+int64(len(b)) > o.maxBytes {
		return PendingMutation{}, fmt.Errorf("%w: %s stored, limit %s",
			ErrQuotaExceeded, formatBytes(uint64(o.bytes)), formatBytes(uint64(o.maxBytes)))
	}
	if err := o.db.Put(recordKey(m.Timestamp), b, &leveldbSync); err != nil {
		return PendingMutation{}, wrapStoreErr(err)
	}
	o.last = t
	o.bytes += int64(len(b))
	return m, nil
}

func (o *LevelOutbox) List(ctx context.Context) ([]PendingMutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := o.db.NewIterator(util.BytesPrefix(recordPrefix()), nil)
	defer it.Release()
	var out []PendingMutation
	for it.Next() {
		var m PendingMutation
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("%w: record %q: %v", ErrCorrupted, it.Key(), err)
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

// Get returns one record by key.
func (o *LevelOutbox) Get(timestamp string) (PendingMutation, bool, error) {
	b, err := o.db.Get(recordKey(timestamp), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return PendingMutation{}, false, nil
	}
	if err != nil {
		return PendingMutation{}, false, wrapStoreErr(err)
	}
	var m PendingMutation
	if err := json.Unmarshal(b, &m); err != nil {
		return PendingMutation{}, false, fmt.Errorf("%w: record %q: %v", ErrCorrupted, timestamp, err)
	}
	return m, true, nil
}

func (o *LevelOutbox) Delete(ctx context.Context, timestamp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	key := recordKey(timestamp)
	b, err := o.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := o.db.Delete(key, &leveldbSync); err != nil {
		return wrapStoreErr(err)
	}
	o.bytes -= int64(len(b))
	return nil
}

func (o *LevelOutbox) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := o.db.NewIterator(util.BytesPrefix(recordPrefix()), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, wrapStoreErr(err)
	}
	return n, nil
}

// Stores lists the stores registered in the schema.
func (o *LevelOutbox) Stores() ([]string, error) {
	it := o.db.NewIterator(util.BytesPrefix([]byte(metaStorePrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	return out, it.Error()
}

func wrapStoreErr(err error) error {
	if lverrors.IsCorrupted(err) {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return err
}
