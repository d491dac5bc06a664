// Package cluster implements the heartbeat-based instance registry and the
// leader lease that gates singleton background duties across the fleet.
package cluster

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/formgate/formgate/internal/kvstore"
)

// Shared-store keyspace.
const (
	instanceKeyPrefix = "formgate:cluster:instance:"
	leaderKey         = "formgate:cluster:leader"
)

// Duty is a singleton task executed only on the current leader. Duties must
// be idempotent or resumable: losing leadership mid-task is safe.
type Duty struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config configures a Coordinator.
type Config struct {
	KV      kvstore.KV
	ID      string // empty generates a uuid
	Address string // advertised host:port for peer replication
	Workers int

	HeartbeatInterval time.Duration
	DriftThreshold    time.Duration
	StaleThreshold    time.Duration
	LeaseTTL          time.Duration
	DutyInterval      time.Duration
}

// Coordinator runs the registration/heartbeat loop and the leader-election
// loop for one instance.
type Coordinator struct {
	kv      kvstore.KV
	id      string
	address string
	workers int

	heartbeatInterval time.Duration
	driftThreshold    time.Duration
	staleThreshold    time.Duration
	leaseTTL          time.Duration
	dutyInterval      time.Duration

	startedAtNs int64
	lastBeatNs  atomic.Int64
	isLeader    atomic.Bool

	dutyMu sync.Mutex
	duties []Duty

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewCoordinator creates a coordinator. Call Start to register and begin
// heartbeating.
func NewCoordinator(cfg Config) *Coordinator {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	drift := cfg.DriftThreshold
	if drift <= 0 {
		drift = 3 * heartbeat
	}
	stale := cfg.StaleThreshold
	if stale <= 0 {
		stale = 6 * heartbeat
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	dutyInterval := cfg.DutyInterval
	if dutyInterval <= 0 {
		dutyInterval = time.Minute
	}
	return &Coordinator{
		kv:                cfg.KV,
		id:                id,
		address:           cfg.Address,
		workers:           cfg.Workers,
		heartbeatInterval: heartbeat,
		driftThreshold:    drift,
		staleThreshold:    stale,
		leaseTTL:          leaseTTL,
		dutyInterval:      dutyInterval,
		stopCh:            make(chan struct{}),
		now:               time.Now,
	}
}

// ID returns this instance's id.
func (c *Coordinator) ID() string { return c.id }

// IsLeader reports whether this instance currently believes it holds the
// leader lease. Valid for at most one lease TTL.
func (c *Coordinator) IsLeader() bool { return c.isLeader.Load() }

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// AddDuty registers a leader-gated singleton duty.
func (c *Coordinator) AddDuty(duty Duty) {
	c.dutyMu.Lock()
	c.duties = append(c.duties, duty)
	c.dutyMu.Unlock()
}

// Start registers the instance and launches the heartbeat and election
// loops. Registration failure is returned to the caller; the loops recover
// from transient store errors on their own.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startedAtNs = c.now().UnixNano()
	if err := c.register(ctx); err != nil {
		return err
	}
	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.electionLoop()
	return nil
}

// Stop deregisters, releases the lease when held, and waits for the loops.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if c.isLeader.Load() {
		c.releaseLease(ctx)
	}
	if err := c.markDown(ctx, c.id); err != nil {
		log.Printf("[cluster] deregister: %v", err)
	}
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
		if err := c.heartbeat(ctx); err != nil {
			log.Printf("[cluster] heartbeat: %v", err)
		}
		c.sweepStalePeers(ctx)
		cancel()
	}
}

func (c *Coordinator) electionLoop() {
	defer c.wg.Done()
	// Renew well inside the TTL so a healthy leader never lets the lease
	// lapse between attempts.
	interval := c.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dutyTicker := time.NewTicker(c.dutyInterval)
	defer dutyTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			c.tryAcquireOrRenew(ctx)
			cancel()
		case <-dutyTicker.C:
			if !c.isLeader.Load() {
				continue
			}
			c.runDuties()
		}
	}
}

func (c *Coordinator) runDuties() {
	c.dutyMu.Lock()
	duties := append([]Duty(nil), c.duties...)
	c.dutyMu.Unlock()

	for _, duty := range duties {
		ctx, cancel := context.WithTimeout(context.Background(), c.dutyInterval)
		if err := duty.Run(ctx); err != nil {
			log.Printf("[cluster] duty %s: %v", duty.Name, err)
		}
		cancel()
		if !c.isLeader.Load() {
			// Lost the lease mid-cycle; remaining duties wait for the
			// next leader. Duties are idempotent so this is safe.
			return
		}
	}
}
