// Package fleet tracks the dispatcher's in-memory view of every registered
// runner: capability, concurrency limits, liveness, and any pending
// configuration waiting to be delivered on the runner's next poll.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

// Manager tracks every runner the dispatcher has seen. Fleet state is
// intentionally not persisted: a dispatcher restart forgets every runner,
// who then re-register on their next poll — the same "memory only, cheap
// to rebuild" choice the teacher makes for its probe fleet.
type Manager struct {
	runners map[string]*model.RunnerInfo
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates an empty fleet manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		runners: make(map[string]*model.RunnerInfo),
		logger:  logger,
	}
}

// Register upserts a runner's registration: capability, limits, and
// liveness are replaced with what the caller just reported, but a
// PendingConfig staged by an earlier SetPendingConfig survives — register
// is called on every poll per spec §4.2, and a re-register between
// "admin stages a drain" and "the runner's next claim delivers it" must
// not silently drop that directive.
func (m *Manager) Register(id, backendName string, capability model.Capability, pollInterval time.Duration, maxConcurrent, maxBuilds, activeCount, activeBuilds int, status model.RunnerStatus) *model.RunnerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending *model.PendingConfig
	if existing, ok := m.runners[id]; ok {
		pending = existing.PendingConfig
	}
	if status == "" {
		status = model.RunnerActive
	}

	now := time.Now().UTC()
	r := &model.RunnerInfo{
		ID:            id,
		BackendName:   backendName,
		Capability:    capability,
		PollInterval:  pollInterval,
		MaxConcurrent: maxConcurrent,
		MaxBuilds:     maxBuilds,
		ActiveCount:   activeCount,
		ActiveBuilds:  activeBuilds,
		LastSeen:      now,
		PendingConfig: pending,
		Status:        status,
	}
	m.runners[id] = r
	m.logger.Info("runner registered",
		zap.String("id", id),
		zap.String("backend", backendName),
		zap.String("capability", string(capability)),
	)
	return r
}

// Heartbeat records a poll or claim from a runner, refreshing its
// last-seen time and active counts. Returns an error if the runner has
// never registered.
func (m *Manager) Heartbeat(id string, activeCount, activeBuilds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("unknown runner: %s", id)
	}
	r.LastSeen = time.Now().UTC()
	r.ActiveCount = activeCount
	r.ActiveBuilds = activeBuilds
	return nil
}

// Get returns a runner's info.
func (m *Manager) Get(id string) (*model.RunnerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	return r, ok
}

// List returns every known runner.
func (m *Manager) List() []*model.RunnerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.RunnerInfo, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out
}

// SetPendingConfig stages a config change (poll interval, drain flag) for
// delivery the next time id polls.
func (m *Manager) SetPendingConfig(id string, cfg *model.PendingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("unknown runner: %s", id)
	}
	r.PendingConfig = cfg
	m.logger.Info("pending config staged", zap.String("id", id))
	return nil
}

// TakePendingConfig returns and clears id's pending config, if any — called
// once by the dispatcher when building a poll response, so the config is
// delivered exactly once even under a retried request. Delivering a drain
// directive only tells the runner to stop claiming new work; the runner
// doesn't actually reach RunnerDrained until it reports that status itself
// on a later Register, once its active count has drained to zero.
func (m *Manager) TakePendingConfig(id string) *model.PendingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[id]
	if !ok || r.PendingConfig.IsEmpty() {
		return nil
	}
	cfg := r.PendingConfig
	r.PendingConfig = nil
	return cfg
}

// MarkOffline evicts runners that have gone silent longer than threshold.
// Returns the list of evicted runner ids.
func (m *Manager) MarkOffline(threshold time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var evicted []string
	for id, r := range m.runners {
		if r.LastSeen.Before(cutoff) {
			delete(m.runners, id)
			evicted = append(evicted, id)
			m.logger.Warn("runner evicted after silence",
				zap.String("id", id),
				zap.Time("last_seen", r.LastSeen),
			)
		}
	}
	return evicted
}

// Count returns the number of runners in each status.
func (m *Manager) Count() map[model.RunnerStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[model.RunnerStatus]int{}
	for _, r := range m.runners {
		counts[r.Status]++
	}
	return counts
}

// TotalCapacity sums MaxConcurrent across every active runner whose
// capability satisfies the given tier.
func (m *Manager) TotalCapacity(capability model.Capability) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, r := range m.runners {
		if r.Status == model.RunnerActive && r.Capability.Satisfies(capability) {
			total += r.MaxConcurrent
		}
	}
	return total
}

// Delete removes a runner entirely.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return fmt.Errorf("unknown runner: %s", id)
	}
	delete(m.runners, id)
	return nil
}
