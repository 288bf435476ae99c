// Package store persists message envelopes in a BoltDB database. Appends go
// through a batching writer that groups envelopes into one transaction;
// status updates commit synchronously and enforce the monotone transition
// rule (pending is the only non-terminal status).
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agent-relay/agent-relay/internal/envelope"
)

var (
	bucketMessages = []byte("messages")  // id -> envelope JSON
	bucketByThread = []byte("by_thread") // thread \x00 id -> nil
	bucketMeta     = []byte("meta")
)

// Errors callers match on. The broker maps any other store error to
// storage_error.
var (
	ErrNotFound    = errors.New("envelope not found")
	ErrDuplicateID = errors.New("duplicate envelope id")
	ErrClosed      = errors.New("store is closed")
	// ErrDegraded is returned by Append while an earlier batch is still
	// unflushed after a commit failure. Already-queued appenders keep
	// blocking until the retry succeeds; new work is refused.
	ErrDegraded = errors.New("store degraded: pending batch not yet durable")
)

// Options tunes the batching writer.
type Options struct {
	MaxBatchSize  int           // flush when this many envelopes are queued
	MaxBatchBytes int           // flush when queued bodies reach this size
	MaxBatchDelay time.Duration // flush this long after the first queued write
	RetryInterval time.Duration // delay before re-attempting a failed flush
}

// DefaultOptions mirror the daemon's config defaults.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:  64,
		MaxBatchBytes: 1 << 20,
		MaxBatchDelay: 25 * time.Millisecond,
		RetryInterval: 2 * time.Second,
	}
}

// batch is one group-commit unit. done is closed once every envelope in the
// batch is durable (or the store is closed); err is set before the close.
type batch struct {
	envs  []*envelope.Envelope
	ids   map[string]bool
	bytes int
	done  chan struct{}
	err   error
}

// Store wraps a BoltDB database holding message envelopes.
type Store struct {
	db   *bolt.DB
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	cur      *batch
	inflight *batch // batch being (re)flushed after a failure, nil otherwise
	closed   bool
	degraded bool

	kick chan struct{} // wakes the flush loop
	stop chan struct{}
	dead chan struct{} // closed when the flush loop exits
}

// Open creates or opens the message database at path.
func Open(path string, opts Options, log *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketByThread, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{
		db:   db,
		opts: opts,
		log:  log.With("component", "store"),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		dead: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Append queues the envelope for the next batch commit and blocks until it
// is durable. The returned nil is the durability acknowledgement. Duplicate
// IDs (already persisted or queued) are rejected with ErrDuplicateID.
func (s *Store) Append(env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.degraded {
		s.mu.Unlock()
		return ErrDegraded
	}

	// Duplicate check: queued batches first, then the committed bucket.
	if s.cur != nil && s.cur.ids[env.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
	}
	if s.inflight != nil && s.inflight.ids[env.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
	}
	exists := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketMessages).Get([]byte(env.ID)) != nil
		return nil
	})
	if exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
	}

	if s.cur == nil {
		s.cur = &batch{ids: make(map[string]bool), done: make(chan struct{})}
		// Arm the delay trigger for this batch.
		go s.delayKick(s.cur)
	}
	b := s.cur
	b.envs = append(b.envs, env)
	b.ids[env.ID] = true
	b.bytes += len(data)

	if len(b.envs) >= s.opts.MaxBatchSize || b.bytes >= s.opts.MaxBatchBytes {
		s.kickFlush()
	}
	s.mu.Unlock()

	<-b.done
	return b.err
}

// delayKick fires the batch-delay flush trigger unless the batch already
// flushed for another reason.
func (s *Store) delayKick(b *batch) {
	select {
	case <-time.After(s.opts.MaxBatchDelay):
		s.kickFlush()
	case <-b.done:
	}
}

func (s *Store) kickFlush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush forces the current batch out and waits for it to commit.
func (s *Store) Flush() error {
	s.mu.Lock()
	b := s.cur
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	s.kickFlush()
	<-b.done
	return b.err
}

// flushLoop is the single writer goroutine: it takes the current batch and
// commits it, retrying a failed batch until it lands or the store closes.
func (s *Store) flushLoop() {
	defer close(s.dead)
	for {
		select {
		case <-s.kick:
		case <-s.stop:
			// Final drain below.
			s.mu.Lock()
			b := s.cur
			s.cur = nil
			s.mu.Unlock()
			if b != nil {
				b.err = s.commit(b)
				close(b.done)
			}
			return
		}

		s.mu.Lock()
		b := s.cur
		s.cur = nil
		s.mu.Unlock()
		if b == nil {
			continue
		}

		for {
			err := s.commit(b)
			if err == nil {
				b.err = nil
				close(b.done)
				s.mu.Lock()
				s.degraded = false
				s.inflight = nil
				s.mu.Unlock()
				break
			}

			// Re-queue, refuse new appends, retry after the interval.
			s.log.Error("batch flush failed, re-queuing", "envelopes", len(b.envs), "error", err)
			s.mu.Lock()
			s.degraded = true
			s.inflight = b
			closed := s.closed
			s.mu.Unlock()
			if closed {
				b.err = err
				close(b.done)
				s.drainCur(err)
				return
			}
			select {
			case <-time.After(s.opts.RetryInterval):
			case <-s.stop:
				b.err = err
				close(b.done)
				s.drainCur(err)
				return
			}
		}
	}
}

// drainCur fails any batch that accumulated between the commit failure and
// the degraded flag being set, so its appenders are not stranded.
func (s *Store) drainCur(err error) {
	s.mu.Lock()
	b := s.cur
	s.cur = nil
	s.mu.Unlock()
	if b != nil {
		b.err = err
		close(b.done)
	}
}

// commit writes every envelope in the batch in one transaction.
func (s *Store) commit(b *batch) error {
	if len(b.envs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		threads := tx.Bucket(bucketByThread)
		for _, env := range b.envs {
			data, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", env.ID, err)
			}
			if err := msgs.Put([]byte(env.ID), data); err != nil {
				return err
			}
			if env.Thread != "" {
				if err := threads.Put(threadKey(env.Thread, env.ID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Degraded reports whether the store is refusing new appends while a failed
// batch awaits retry.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// GetByID returns the persisted envelope or ErrNotFound.
func (s *Store) GetByID(id string) (*envelope.Envelope, error) {
	var env *envelope.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		env = &envelope.Envelope{}
		return json.Unmarshal(v, env)
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// UpdateStatus applies a status transition and returns the resulting status.
// Transitions out of a terminal status are rejected by returning the stored
// status unchanged; repeating the current status is a no-op.
func (s *Store) UpdateStatus(id string, status envelope.Status) (envelope.Status, error) {
	var result envelope.Status
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var env envelope.Envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("unmarshal %s: %w", id, err)
		}

		if env.Status.Terminal() || env.Status == status {
			result = env.Status
			return nil
		}
		env.Status = status
		result = status

		data, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// UpdateAttempts records the delivery attempt count for an envelope.
// Attempt counts only grow; a lower value is ignored.
func (s *Store) UpdateAttempts(id string, attempts int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var env envelope.Envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("unmarshal %s: %w", id, err)
		}
		if attempts <= env.Attempts {
			return nil
		}
		env.Attempts = attempts
		data, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Query filters ListHistory. Zero values mean "no constraint". Since/Until
// are millisecond timestamps matching Envelope.TS.
type Query struct {
	From      string
	To        string
	Thread    string
	Status    envelope.Status
	Since     int64
	Until     int64
	Limit     int
	Ascending bool // default is newest first
}

// ListHistory returns envelopes matching the query, newest first unless
// Ascending is set. Envelope IDs sort by creation time, so a cursor walk
// over the primary bucket yields time order without a separate index.
func (s *Store) ListHistory(q Query) ([]*envelope.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*envelope.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		// Thread queries walk the secondary index instead of the full bucket.
		if q.Thread != "" {
			return s.listByThread(tx, q, limit, &out)
		}

		c := tx.Bucket(bucketMessages).Cursor()
		var k, v []byte
		if q.Ascending {
			k, v = c.First()
		} else {
			k, v = c.Last()
		}
		for ; k != nil && len(out) < limit; k, v = step(c, q.Ascending) {
			env, ok := matchEnvelope(v, q)
			if ok {
				out = append(out, env)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) listByThread(tx *bolt.Tx, q Query, limit int, out *[]*envelope.Envelope) error {
	msgs := tx.Bucket(bucketMessages)
	c := tx.Bucket(bucketByThread).Cursor()
	prefix := append([]byte(q.Thread), 0)

	// Collect ids under the thread prefix, then resolve in the wanted order.
	var ids [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, k[len(prefix):])
	}
	if !q.Ascending {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	for _, id := range ids {
		if len(*out) >= limit {
			break
		}
		env, ok := matchEnvelope(msgs.Get(id), q)
		if ok {
			*out = append(*out, env)
		}
	}
	return nil
}

func step(c *bolt.Cursor, ascending bool) ([]byte, []byte) {
	if ascending {
		return c.Next()
	}
	return c.Prev()
}

func matchEnvelope(v []byte, q Query) (*envelope.Envelope, bool) {
	if v == nil {
		return nil, false
	}
	var env envelope.Envelope
	if err := json.Unmarshal(v, &env); err != nil {
		return nil, false
	}
	if q.From != "" && env.From != q.From {
		return nil, false
	}
	if q.To != "" && env.To != q.To {
		return nil, false
	}
	if q.Thread != "" && env.Thread != q.Thread {
		return nil, false
	}
	if q.Status != "" && env.Status != q.Status {
		return nil, false
	}
	if q.Since != 0 && env.TS < q.Since {
		return nil, false
	}
	if q.Until != 0 && env.TS > q.Until {
		return nil, false
	}
	return &env, true
}

// Count returns the number of persisted envelopes.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMessages).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune removes terminal-status envelopes older than the horizon, then
// enforces the row cap oldest-first. Pending envelopes are never pruned.
// Returns the number of envelopes removed.
func (s *Store) Prune(horizon time.Duration, maxRows int) (int, error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		threads := tx.Bucket(bucketByThread)

		// Select victims with a read cursor first; deleting mid-walk
		// invalidates the cursor position.
		type victim struct {
			key    []byte
			thread string
			id     string
		}
		var victims []victim
		total := 0

		c := msgs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			total++
			var env envelope.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				continue
			}
			if env.Status.Terminal() && env.TS < cutoff {
				key := make([]byte, len(k))
				copy(key, k)
				victims = append(victims, victim{key, env.Thread, env.ID})
			}
		}

		// Row cap pass, oldest first, still sparing pending envelopes.
		if maxRows > 0 && total-len(victims) > maxRows {
			over := total - len(victims) - maxRows
			marked := make(map[string]bool, len(victims))
			for _, vic := range victims {
				marked[string(vic.key)] = true
			}
			for k, v := c.First(); k != nil && over > 0; k, v = c.Next() {
				if marked[string(k)] {
					continue
				}
				var env envelope.Envelope
				if err := json.Unmarshal(v, &env); err != nil {
					continue
				}
				if !env.Status.Terminal() {
					continue
				}
				key := make([]byte, len(k))
				copy(key, k)
				victims = append(victims, victim{key, env.Thread, env.ID})
				over--
			}
		}

		for _, vic := range victims {
			if err := msgs.Delete(vic.key); err != nil {
				return err
			}
			if vic.thread != "" {
				if err := threads.Delete(threadKey(vic.thread, vic.id)); err != nil {
					return err
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.dead
	return s.db.Close()
}

func threadKey(thread, id string) []byte {
	k := make([]byte, 0, len(thread)+1+len(id))
	k = append(k, thread...)
	k = append(k, 0)
	k = append(k, id...)
	return k
}
