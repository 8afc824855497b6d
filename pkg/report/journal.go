package report

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/busybox42/meshnode/internal/store"
)

// Journal appends events to a store under monotonically increasing keys so
// that a range over the store replays them in order.
type Journal struct {
	mu  sync.Mutex
	db  store.Store
	seq uint64
	max int
}

// NewJournal resumes numbering after the last key already in db. When max is
// positive the oldest entries are evicted to keep at most max events.
func NewJournal(db store.Store, max int) (*Journal, error) {
	j := &Journal{db: db, max: max}
	err := db.Range(func(k, _ []byte) bool {
		if len(k) == 8 {
			j.seq = binary.BigEndian.Uint64(k)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return j, nil
}

func (j *Journal) Write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, j.seq)
	if err := j.db.Store(key, data); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	if j.max > 0 {
		for excess := j.db.Count() - j.max; excess > 0; excess-- {
			if err := j.evictOldest(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *Journal) evictOldest() error {
	var oldest []byte
	if err := j.db.Range(func(k, _ []byte) bool {
		oldest = k
		return false
	}); err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}
	return j.db.Delete(oldest)
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns
// every stored event.
func (j *Journal) Recent(n int) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var raw [][]byte
	err := j.db.Range(func(_, v []byte) bool {
		raw = append(raw, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(raw) > n {
		raw = raw[len(raw)-n:]
	}

	events := make([]Event, 0, len(raw))
	for _, data := range raw {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
