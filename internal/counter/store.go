// Package counter implements the replicated per-key counter table ("stick
// table") used for cluster-wide rate and abuse limiting. Local increments are
// visible immediately; peer increments arrive asynchronously, so reads
// converge toward the cluster-wide total rather than being linearizable.
package counter

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/formgate/formgate/internal/model"
)

// View is the read-only surface handed to detectors.
type View interface {
	// Count returns the observed total for (kind, value) over the current
	// and immediately preceding fixed window of the given size. Counts are
	// eventually consistent across the fleet.
	Count(kind model.CounterKind, value string, window time.Duration) int64
}

// Sink receives locally originated increments for replication to peers.
type Sink interface {
	Enqueue(inc model.Increment)
}

// windowKey identifies one counter window. Window boundaries are aligned to
// the window duration so every instance derives identical keys.
type windowKey struct {
	kind          model.CounterKind
	value         string
	windowStartNs int64
	windowNs      int64
}

// cell is one window's counter state.
type cell struct {
	total atomic.Int64
	// seen dedupes replicated increments by "origin#seq". Monotonic within
	// a window: replication never decreases a count.
	seen       *xsync.Map[string, struct{}]
	expireAtNs atomic.Int64
}

// Store is the local counter table plus its replication hook.
type Store struct {
	origin string
	grace  time.Duration
	cells  *xsync.Map[windowKey, *cell]
	seq    atomic.Uint64
	sink   Sink
	now    func() time.Time
}

// Config configures a Store.
type Config struct {
	// Origin is this instance's id; it namespaces replication sequence
	// numbers.
	Origin string
	// Grace extends window retention past window close to cover the
	// maximum expected peer propagation delay.
	Grace time.Duration
	// Sink receives local increments for async peer replication. Nil
	// disables replication (single-instance mode).
	Sink Sink
}

// NewStore creates an empty counter store.
func NewStore(cfg Config) *Store {
	grace := cfg.Grace
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Store{
		origin: cfg.Origin,
		grace:  grace,
		cells:  xsync.NewMap[windowKey, *cell](),
		sink:   cfg.Sink,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Incr applies a local increment of delta to (kind, value) in the current
// window and hands a replication record to the sink. Returns the updated
// local count for the window.
func (s *Store) Incr(kind model.CounterKind, value string, window time.Duration, delta int64) int64 {
	now := s.now()
	start := now.Truncate(window)
	key := windowKey{kind: kind, value: value, windowStartNs: start.UnixNano(), windowNs: int64(window)}

	c := s.cell(key)
	total := c.total.Add(delta)

	if s.sink != nil {
		s.sink.Enqueue(model.Increment{
			Kind:          kind,
			Value:         value,
			WindowStartNs: key.windowStartNs,
			WindowNs:      key.windowNs,
			Origin:        s.origin,
			Seq:           s.seq.Add(1),
			Delta:         delta,
		})
	}
	return total
}

// Apply merges a replicated increment from a peer. Re-delivery of the same
// (key, window, origin, seq) tuple is a no-op; increments from different
// origins sum. Returns true when the increment was newly applied.
func (s *Store) Apply(inc model.Increment) bool {
	if inc.Delta == 0 || inc.WindowNs <= 0 {
		return false
	}
	// Windows already past retention are not resurrected.
	expiry := inc.WindowStartNs + inc.WindowNs + int64(s.grace)
	if expiry <= s.now().UnixNano() {
		return false
	}

	key := windowKey{kind: inc.Kind, value: inc.Value, windowStartNs: inc.WindowStartNs, windowNs: inc.WindowNs}
	c := s.cell(key)

	dedupe := inc.Origin + "#" + strconv.FormatUint(inc.Seq, 16)
	if _, loaded := c.seen.LoadOrStore(dedupe, struct{}{}); loaded {
		return false
	}
	c.total.Add(inc.Delta)
	return true
}

// Count implements View. It sums the current and previous window so a
// burst straddling a boundary is still visible; callers must treat the
// result as eventually consistent.
func (s *Store) Count(kind model.CounterKind, value string, window time.Duration) int64 {
	now := s.now()
	start := now.Truncate(window)
	var total int64
	for _, startNs := range []int64{start.UnixNano(), start.Add(-window).UnixNano()} {
		key := windowKey{kind: kind, value: value, windowStartNs: startNs, windowNs: int64(window)}
		if c, ok := s.cells.Load(key); ok {
			total += c.total.Load()
		}
	}
	return total
}

// Sweep drops windows whose retention (window close + grace) has passed.
// Returns the number of dropped windows.
func (s *Store) Sweep() int {
	nowNs := s.now().UnixNano()
	dropped := 0
	s.cells.Range(func(key windowKey, c *cell) bool {
		if c.expireAtNs.Load() <= nowNs {
			s.cells.Delete(key)
			dropped++
		}
		return true
	})
	return dropped
}

// Size returns the number of live counter windows.
func (s *Store) Size() int {
	return s.cells.Size()
}

func (s *Store) cell(key windowKey) *cell {
	c, _ := s.cells.LoadOrCompute(key, func() (*cell, bool) {
		fresh := &cell{seen: xsync.NewMap[string, struct{}]()}
		fresh.expireAtNs.Store(key.windowStartNs + key.windowNs + int64(s.grace))
		return fresh, false
	})
	return c
}
