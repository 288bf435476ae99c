// Package dlq persists dead-lettered deliveries in their own BoltDB
// database, keeping failure bookkeeping out of the message history store.
package dlq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agent-relay/agent-relay/internal/envelope"
)

var (
	bucketDeadLetters = []byte("deadletters") // entry id -> DeadLetter JSON
	bucketByReason    = []byte("by_reason")   // reason \x00 id -> nil
)

var ErrNotFound = errors.New("dead letter not found")

// Order selects the sort field for Query results.
type Order string

const (
	OrderDLQTS      Order = "dlqTs"      // default, time of dead-lettering
	OrderOriginalTS Order = "originalTs" // original envelope timestamp
	OrderAttempts   Order = "attempts"   // delivery attempts before failure
)

// Query filters and pages dead-letter listings. Zero values mean "no
// constraint"; Acknowledged is a tri-state, nil matching both.
type Query struct {
	To           string
	From         string
	Reason       envelope.Reason
	Acknowledged *bool
	Since        int64 // dlqTs lower bound, milliseconds
	Until        int64 // dlqTs upper bound, milliseconds
	OrderBy      Order
	Ascending    bool // default is newest first
	Limit        int
	Offset       int
}

// Stats summarises the queue. Derived from the live buckets on every call.
type Stats struct {
	Total          int                      `json:"total"`
	Unacknowledged int                      `json:"unacknowledged"`
	ByReason       map[envelope.Reason]int  `json:"byReason"`
	ByRecipient    map[string]int           `json:"byRecipient"`
	OldestTS       int64                    `json:"oldestTs,omitempty"`
	NewestTS       int64                    `json:"newestTs,omitempty"`
}

// Store wraps the dead-letter BoltDB database.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open creates or opens the dead-letter database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dlq db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDeadLetters, bucketByReason} {
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
	return &Store{db: db, log: log.With("component", "dlq")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records a dead letter. The entry id and dlqTs are assigned when unset;
// entry ids sort by creation time, so a cursor walk yields dlqTs order.
func (s *Store) Add(dl *envelope.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = envelope.NewID()
	}
	if dl.DLQTS == 0 {
		dl.DLQTS = envelope.NowMillis()
	}
	if !dl.Reason.Valid() {
		dl.Reason = envelope.ReasonUnknown
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDeadLetters).Put([]byte(dl.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketByReason).Put(reasonKey(dl.Reason, dl.ID), nil)
	})
}

// Get returns the entry or ErrNotFound.
func (s *Store) Get(id string) (*envelope.DeadLetter, error) {
	var dl *envelope.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeadLetters).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		dl = &envelope.DeadLetter{}
		return json.Unmarshal(v, dl)
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// Query returns entries matching q, ordered and paged. Entries are collected
// then sorted in memory; the queue is bounded by Cleanup so this stays cheap.
func (s *Store) Query(q Query) ([]*envelope.DeadLetter, error) {
	var out []*envelope.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		dls := tx.Bucket(bucketDeadLetters)

		collect := func(v []byte) {
			var dl envelope.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return
			}
			if matches(&dl, q) {
				out = append(out, &dl)
			}
		}

		// A reason filter walks the secondary index instead of everything.
		if q.Reason != "" {
			c := tx.Bucket(bucketByReason).Cursor()
			prefix := append([]byte(q.Reason), 0)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if v := dls.Get(k[len(prefix):]); v != nil {
					collect(v)
				}
			}
			return nil
		}

		c := dls.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			collect(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortEntries(out, q.OrderBy, q.Ascending)

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Acknowledge marks an entry as handled. Returns false without error when
// the entry was already acknowledged; acknowledgement never reverts.
func (s *Store) Acknowledge(id, by string) (bool, error) {
	acked := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.ackInTx(tx, id, by, &acked)
	})
	return acked, err
}

// AcknowledgeMany acknowledges a set of entries in one transaction and
// returns how many actually changed state. Unknown ids are skipped.
func (s *Store) AcknowledgeMany(ids []string, by string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			acked := false
			if err := s.ackInTx(tx, id, by, &acked); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if acked {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) ackInTx(tx *bolt.Tx, id, by string, acked *bool) error {
	b := tx.Bucket(bucketDeadLetters)
	v := b.Get([]byte(id))
	if v == nil {
		return ErrNotFound
	}
	var dl envelope.DeadLetter
	if err := json.Unmarshal(v, &dl); err != nil {
		return fmt.Errorf("unmarshal %s: %w", id, err)
	}
	if dl.Acknowledged {
		return nil
	}
	dl.Acknowledged = true
	dl.AcknowledgedBy = by
	dl.AcknowledgedTS = envelope.NowMillis()
	data, err := json.Marshal(&dl)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(id), data); err != nil {
		return err
	}
	*acked = true
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count. The
// counter only grows.
func (s *Store) IncrementRetry(id string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var dl envelope.DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			return fmt.Errorf("unmarshal %s: %w", id, err)
		}
		dl.RetryCount++
		count = dl.RetryCount
		data, err := json.Marshal(&dl)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Remove deletes an entry, typically after a successful replay.
func (s *Store) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var dl envelope.DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			return fmt.Errorf("unmarshal %s: %w", id, err)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketByReason).Delete(reasonKey(dl.Reason, dl.ID))
	})
}

// GetStats recomputes queue statistics from the live bucket.
func (s *Store) GetStats() (*Stats, error) {
	st := &Stats{
		ByReason:    make(map[envelope.Reason]int),
		ByRecipient: make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl envelope.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			st.Total++
			if !dl.Acknowledged {
				st.Unacknowledged++
			}
			st.ByReason[dl.Reason]++
			st.ByRecipient[dl.Recipient]++
			if st.OldestTS == 0 || dl.DLQTS < st.OldestTS {
				st.OldestTS = dl.DLQTS
			}
			if dl.DLQTS > st.NewestTS {
				st.NewestTS = dl.DLQTS
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Cleanup removes entries older than retention, then enforces maxEntries.
// Acknowledged entries go first; within a class, oldest first. Returns the
// number of entries removed.
func (s *Store) Cleanup(retention time.Duration, maxEntries int) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dls := tx.Bucket(bucketDeadLetters)
		byReason := tx.Bucket(bucketByReason)

		var all []*envelope.DeadLetter
		c := dls.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl envelope.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			all = append(all, &dl)
		}

		// Eviction order: acknowledged before unacknowledged, oldest first.
		sort.Slice(all, func(i, j int) bool {
			if all[i].Acknowledged != all[j].Acknowledged {
				return all[i].Acknowledged
			}
			return all[i].DLQTS < all[j].DLQTS
		})

		del := func(dl *envelope.DeadLetter) error {
			if err := dls.Delete([]byte(dl.ID)); err != nil {
				return err
			}
			if err := byReason.Delete(reasonKey(dl.Reason, dl.ID)); err != nil {
				return err
			}
			removed++
			return nil
		}

		keep := all[:0]
		for _, dl := range all {
			if retention > 0 && dl.DLQTS < cutoff {
				if err := del(dl); err != nil {
					return err
				}
				continue
			}
			keep = append(keep, dl)
		}

		if maxEntries > 0 {
			for len(keep) > maxEntries {
				if err := del(keep[0]); err != nil {
					return err
				}
				keep = keep[1:]
			}
		}
		return nil
	})
	if removed > 0 {
		s.log.Info("dlq cleanup", "removed", removed)
	}
	return removed, err
}

// GetRetryable returns unacknowledged entries whose retry count is below
// maxRetries, oldest first, capped at limit.
func (s *Store) GetRetryable(maxRetries, limit int) ([]*envelope.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*envelope.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var dl envelope.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			if dl.Acknowledged || dl.RetryCount >= maxRetries {
				continue
			}
			out = append(out, &dl)
		}
		return nil
	})
	return out, err
}

func matches(dl *envelope.DeadLetter, q Query) bool {
	if q.To != "" && dl.Recipient != q.To {
		return false
	}
	if q.From != "" && dl.Envelope.From != q.From {
		return false
	}
	if q.Reason != "" && dl.Reason != q.Reason {
		return false
	}
	if q.Acknowledged != nil && dl.Acknowledged != *q.Acknowledged {
		return false
	}
	if q.Since != 0 && dl.DLQTS < q.Since {
		return false
	}
	if q.Until != 0 && dl.DLQTS > q.Until {
		return false
	}
	return true
}

func sortEntries(out []*envelope.DeadLetter, by Order, ascending bool) {
	less := func(a, b *envelope.DeadLetter) bool { return a.DLQTS < b.DLQTS }
	switch by {
	case OrderOriginalTS:
		less = func(a, b *envelope.DeadLetter) bool { return a.Envelope.TS < b.Envelope.TS }
	case OrderAttempts:
		less = func(a, b *envelope.DeadLetter) bool { return a.Envelope.Attempts < b.Envelope.Attempts }
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return less(out[i], out[j])
		}
		return less(out[j], out[i])
	})
}

func reasonKey(r envelope.Reason, id string) []byte {
	k := make([]byte, 0, len(r)+1+len(id))
	k = append(k, r...)
	k = append(k, 0)
	k = append(k, id...)
	return k
}
