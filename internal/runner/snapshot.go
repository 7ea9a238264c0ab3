package runner

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time view of the runner for diagnostics.
type Snapshot struct {
	Enabled bool
	Running bool

	CheckInterval     time.Duration
	MaxConcurrentRuns int

	ActiveRuns   []string // schedule ids, sorted
	RetriesArmed []string // schedule ids, sorted

	Polls         uint64
	RunsStarted   uint64
	RunsCompleted uint64
	RunsFailed    uint64
	RunsDeferred  uint64

	URLsSucceeded uint64
	URLsFailed    uint64
	CacheHits     uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:           s.cfg.Enabled,
		Running:           s.stopCh != nil,
		CheckInterval:     s.cfg.CheckInterval,
		MaxConcurrentRuns: s.cfg.MaxConcurrentRuns,
		ActiveRuns:        make([]string, 0, len(s.active)),
		RetriesArmed:      make([]string, 0, len(s.retryTimers)),
	}
	for id := range s.active {
		snap.ActiveRuns = append(snap.ActiveRuns, id)
	}
	for id := range s.retryTimers {
		snap.RetriesArmed = append(snap.RetriesArmed, id)
	}
	s.mu.Unlock()

	sort.Strings(snap.ActiveRuns)
	sort.Strings(snap.RetriesArmed)
	snap.Polls = s.polls.Load()
	snap.RunsStarted = s.runsStarted.Load()
	snap.RunsCompleted = s.runsCompleted.Load()
	snap.RunsFailed = s.runsFailed.Load()
	snap.RunsDeferred = s.runsDeferred.Load()
	snap.URLsSucceeded = s.pairsOK.Load()
	snap.URLsFailed = s.pairsFailed.Load()
	snap.CacheHits = s.cacheHits.Load()
	return snap
}
