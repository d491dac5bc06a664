package auditlog

import (
	"log"
	"sync"
	"time"
)

// Service is the async audit writer. Emit performs a non-blocking
// channel send (drops on overflow); a background goroutine flushes
// batches to the Repo.
type Service struct {
	repo      *Repo
	queue     chan Row
	batchSize int
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the audit writer.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 2048
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan Row, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining rows, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Emit enqueues a decision row. Non-blocking; drops on overflow so the
// evaluation hot path never stalls on disk.
func (s *Service) Emit(row Row) {
	select {
	case s.queue <- row:
	default:
	}
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Row, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Row) {
	for {
		select {
		case row := <-s.queue:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(rows []Row) {
	if n, err := s.repo.InsertBatch(rows); err != nil {
		log.Printf("[auditlog] flush %d rows failed: %v", len(rows), err)
	} else if n > 0 {
		log.Printf("[auditlog] flushed %d rows", n)
	}
}
