package counter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/formgate/formgate/internal/model"
)

// Transport delivers a batch of increments to one peer.
type Transport interface {
	Send(ctx context.Context, addr string, batch []model.Increment) error
}

// PeerLister returns the current replication targets (peer addresses,
// excluding this instance).
type PeerLister func() []string

// ReplicatorConfig configures the async peer replicator.
type ReplicatorConfig struct {
	Peers         PeerLister
	Transport     Transport
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	// MaxPendingPerPeer bounds the retry backlog kept for an unreachable
	// peer. Beyond it the oldest increments are dropped: the request path
	// keeps serving best-effort counts instead of blocking.
	MaxPendingPerPeer int
	// RetryBackoff is the base delay before retrying a failed peer; it
	// doubles per consecutive failure up to 16x.
	RetryBackoff time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

// Replicator fans locally originated increments out to all known peers.
// Enqueue is non-blocking; delivery is fire-and-forget with bounded retry.
type Replicator struct {
	peers      PeerLister
	transport  Transport
	queue      chan model.Increment
	batchSize  int
	interval   time.Duration
	maxPending int
	backoff    time.Duration
	sendTO     time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	// per-peer retry state, mutated by the flush goroutine
	stateMu   sync.Mutex
	pending   map[string][]model.Increment
	failures  map[string]int
	nextTryAt map[string]time.Time
}

// NewReplicator creates a replicator. Call Start to begin delivery.
func NewReplicator(cfg ReplicatorConfig) *Replicator {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 512
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	maxPending := cfg.MaxPendingPerPeer
	if maxPending <= 0 {
		maxPending = 16384
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	sendTO := cfg.SendTimeout
	if sendTO <= 0 {
		sendTO = 5 * time.Second
	}
	return &Replicator{
		peers:      cfg.Peers,
		transport:  cfg.Transport,
		queue:      make(chan model.Increment, queueSize),
		batchSize:  batchSize,
		interval:   interval,
		maxPending: maxPending,
		backoff:    backoff,
		sendTO:     sendTO,
		stopCh:     make(chan struct{}),
		pending:    make(map[string][]model.Increment),
		failures:   make(map[string]int),
		nextTryAt:  make(map[string]time.Time),
	}
}

// Start launches the background flush goroutine.
func (r *Replicator) Start() {
	r.wg.Add(1)
	go r.flushLoop()
}

// Stop signals the flush loop, attempts one final delivery, and returns.
func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Enqueue implements Sink. Non-blocking; drops on overflow so the request
// path never stalls on replication.
func (r *Replicator) Enqueue(inc model.Increment) {
	select {
	case r.queue <- inc:
	default:
	}
}

func (r *Replicator) flushLoop() {
	defer r.wg.Done()

	batch := make([]model.Increment, 0, r.batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case inc := <-r.queue:
			batch = append(batch, inc)
			if len(batch) >= r.batchSize {
				r.fanOut(batch)
				batch = batch[:0]
				r.deliver()
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.fanOut(batch)
				batch = batch[:0]
			}
			r.deliver()

		case <-r.stopCh:
			for {
				select {
				case inc := <-r.queue:
					batch = append(batch, inc)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				r.fanOut(batch)
			}
			r.deliver()
			return
		}
	}
}

// pendingFor returns the retry backlog size for one peer. Test hook.
func (r *Replicator) pendingFor(addr string) int {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return len(r.pending[addr])
}

// fanOut appends a batch to every current peer's pending backlog, trimming
// each backlog to the configured bound (oldest dropped first).
func (r *Replicator) fanOut(batch []model.Increment) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	for _, addr := range r.peers() {
		backlog := append(r.pending[addr], batch...)
		if overflow := len(backlog) - r.maxPending; overflow > 0 {
			log.Printf("[counter] peer %s backlog full, dropping %d increments", addr, overflow)
			backlog = backlog[overflow:]
		}
		r.pending[addr] = backlog
	}
	// Peers that vanished from the registry take their backlog with them.
	current := make(map[string]struct{})
	for _, addr := range r.peers() {
		current[addr] = struct{}{}
	}
	for addr := range r.pending {
		if _, ok := current[addr]; !ok {
			delete(r.pending, addr)
			delete(r.failures, addr)
			delete(r.nextTryAt, addr)
		}
	}
}

// deliver attempts one send per peer whose backoff window has elapsed.
func (r *Replicator) deliver() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	now := time.Now()
	for addr, backlog := range r.pending {
		if len(backlog) == 0 {
			continue
		}
		if next, ok := r.nextTryAt[addr]; ok && now.Before(next) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.sendTO)
		err := r.transport.Send(ctx, addr, backlog)
		cancel()
		if err != nil {
			failures := r.failures[addr] + 1
			r.failures[addr] = failures
			delay := r.backoff << min(failures-1, 4)
			r.nextTryAt[addr] = now.Add(delay)
			log.Printf("[counter] replicate to %s failed (attempt %d, next in %s): %v", addr, failures, delay, err)
			continue
		}
		delete(r.pending, addr)
		delete(r.failures, addr)
		delete(r.nextTryAt, addr)
	}
}
