package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Saver writes snapshots to a Store from a background goroutine. Offers made
// faster than they can be written are coalesced: only the latest is saved.
type Saver struct {
	// Store receives the snapshots.
	Store *Store
	// Interval is the minimum time between two writes. Zero writes as soon
	// as a snapshot is offered.
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}
	once    sync.Once
}

func (s *Saver) init() {
	s.once.Do(func() { s.wake = make(chan struct{}, 1) })
}

// Offer queues snap to be saved, replacing any snapshot not yet written. It
// never blocks.
func (s *Saver) Offer(snap Snapshot) {
	s.init()
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run writes offered snapshots until ctx is done, then flushes whatever is
// still pending.
func (s *Saver) Run(ctx context.Context) {
	s.init()
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	defer s.flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.flush()
		if s.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.Interval):
			}
		}
	}
}

func (s *Saver) flush() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}
	if err := s.Store.Save(*snap); err != nil {
		s.Logger.Error("failed to save state", "path", s.Store.Path(), "seq", snap.Seq, "error", err)
		return
	}
	s.Logger.Debug("saved state", "path", s.Store.Path(), "session", snap.SessionID, "seq", snap.Seq)
}
