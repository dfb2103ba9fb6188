package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/valen20Chx/htmx-todo/domain"
)

// SenderConfig tunes the event sender worker pool.
type SenderConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// EventSender hands task events to a bounded pool of workers that publish
// them off the request path. A nil *EventSender drops everything.
type EventSender struct {
	publisher EventPublisher
	logger    *log.Logger
	cfg       SenderConfig

	mu     sync.RWMutex
	jobs   chan []domain.TaskEvent
	closed bool
	wg     sync.WaitGroup
}

// NewEventSender starts cfg.Workers workers publishing through p.
func NewEventSender(p EventPublisher, cfg SenderConfig, logger *log.Logger) *EventSender {
	if p == nil {
		panic("event publisher is required")
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	s := &EventSender{
		publisher: p,
		logger:    logger,
		cfg:       cfg,
		jobs:      make(chan []domain.TaskEvent, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("event sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return s
}

func (s *EventSender) worker(id int) {
	defer s.wg.Done()
	for events := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		err := s.publisher.Publish(ctx, events)
		cancel()

		if err != nil {
			s.logger.Errorf("publish failed, err: %v, count: %d, worker: %d", err, len(events), id)
		}
	}
}

// Send queues events for publishing. It waits at most HandoffTimeout for
// buffer space and reports whether the events were accepted.
func (s *EventSender) Send(events ...domain.TaskEvent) bool {
	if s == nil || len(events) == 0 {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.jobs <- events:
		return true
	default:
	}

	if s.cfg.HandoffTimeout <= 0 {
		s.logger.Warn("event buffer saturated; dropping events")
		return false
	}

	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case s.jobs <- events:
		return true
	case <-timer.C:
		s.logger.Warn("event buffer saturated; dropping events")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (s *EventSender) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
}
