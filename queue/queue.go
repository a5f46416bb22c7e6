// Package queue implements the durable work queue behind asynchronous purge
// and preload. Items are persisted to leveldb so a crash does not lose
// pending work; delivery is at-least-once and consumers are expected to be
// idempotent.
package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Item kinds.
const (
	KindPurge   = "purge"
	KindPreload = "preload"
)

// Item is one unit of background work: a URL to invalidate or to re-fetch.
type Item struct {
	Kind string
	Host string
	Path string
	// Run tags preload items with the population run that enqueued them.
	// Zero means the item is valid regardless of run (targeted requeues).
	Run uint64
	// NotBefore delays processing, e.g. to let a purge propagate before the
	// preloader re-fetches the same URL.
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// Pending is a dequeued item that must be acknowledged with Done once
// processed. Unacknowledged items are redelivered after a restart.
type Pending struct {
	Item
	key []byte
}

// Queue is a persisted FIFO.
type Queue struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
	run uint64

	// notify wakes the dispatcher on push without polling
	notify chan struct{}
}

var (
	itemPrefix = []byte("q:")
	seqKey     = []byte("meta:seq")
	runKey     = []byte("meta:run")
)

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db, notify: make(chan struct{}, 1)}
	if b, err := db.Get(seqKey, nil); err == nil {
		q.seq = binary.BigEndian.Uint64(b)
	}
	if b, err := db.Get(runKey, nil); err == nil {
		q.run = binary.BigEndian.Uint64(b)
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Notify returns a channel that receives a signal after every push.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Run returns the current preload population run id.
func (q *Queue) Run() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run
}

// NewRun starts a new preload population run and returns its id.
// Preload items tagged with an older run are discarded on dequeue, which is
// how a new full-site run supersedes an in-flight one.
func (q *Queue) NewRun() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.run++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], q.run)
	if err := q.db.Put(runKey, b[:], nil); err != nil {
		return 0, err
	}
	return q.run, nil
}

// Push appends items to the queue.
func (q *Queue) Push(items ...Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, item := range items {
		if item.EnqueuedAt.IsZero() {
			item.EnqueuedAt = time.Now()
		}
		q.seq++
		data, err := encodeItem(item)
		if err != nil {
			return err
		}
		batch.Put(itemKey(q.seq), data)
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], q.seq)
	batch.Put(seqKey, b[:])
	if err := q.db.Write(batch, nil); err != nil {
		return err
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the oldest ready item, or nil when none is ready.
// Preload items from superseded runs are dropped in passing; items whose
// NotBefore has not arrived are skipped in place so a delayed head item
// never stalls ready work queued behind it.
// The item stays persisted until Done is called.
func (q *Queue) Pop() (*Pending, error) {
	return q.PopAt(time.Now())
}

// PopAt is Pop evaluated at the given time.
func (q *Queue) PopAt(now time.Time) (*Pending, error) {
	q.mu.Lock()
	run := q.run
	q.mu.Unlock()

	it := q.db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	defer it.Release()
	for it.Next() {
		var item Item
		if err := decodeItem(it.Value(), &item); err != nil {
			// unreadable item, drop it rather than stall the queue
			q.db.Delete(append([]byte{}, it.Key()...), nil)
			continue
		}
		if item.Kind == KindPreload && item.Run != 0 && item.Run != run {
			q.db.Delete(append([]byte{}, it.Key()...), nil)
			continue
		}
		if now.Before(item.NotBefore) {
			continue
		}
		return &Pending{Item: item, key: append([]byte{}, it.Key()...)}, nil
	}
	return nil, it.Error()
}

// Done acknowledges a processed item, removing it from the queue.
func (q *Queue) Done(p *Pending) error {
	return q.db.Delete(p.key, nil)
}

// Len returns the number of persisted items, superseded ones included.
func (q *Queue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func itemKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("q:%020d", seq))
}

func encodeItem(item Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeItem(b []byte, item *Item) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(item)
}
