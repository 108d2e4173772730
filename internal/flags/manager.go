package flags

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// bucketCount gives two decimal places of rollout resolution.
const bucketCount = 10000

// Manager evaluates feature flags with deterministic per-entity bucketing.
// It is an explicit dependency passed into each component constructor; there
// is no process-global flag state.
type Manager struct {
	mu     sync.RWMutex
	flags  map[string]schemas.FeatureFlag
	logger *zap.Logger
}

// NewManager seeds a manager from configured defaults. Store-backed flag
// state, when present, is layered on afterwards via Load.
func NewManager(cfg config.FlagsConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		flags:  make(map[string]schemas.FeatureFlag),
		logger: logger.Named("flags"),
	}
	for key, pct := range cfg.Defaults {
		m.flags[key] = schemas.FeatureFlag{Key: key, EnabledPercent: pct, UpdatedAt: time.Now().UTC()}
	}
	return m
}

// Load replaces the manager's state with flag rows read from the store.
// Configured defaults survive only for keys the store does not know.
func (m *Manager) Load(stored []schemas.FeatureFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range stored {
		if err := f.Validate(); err != nil {
			m.logger.Warn("Skipping invalid stored flag", zap.String("key", f.Key), zap.Error(err))
			continue
		}
		m.flags[f.Key] = f
	}
}

// IsEnabled reports whether a feature is on for the given entity. The
// decision is deterministic: the same (key, entityID) pair lands in the same
// rollout bucket on every call. An unknown key is off; a missing entity id
// buckets on the key alone.
func (m *Manager) IsEnabled(key, entityID string) bool {
	m.mu.RLock()
	flag, ok := m.flags[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	for _, id := range flag.TargetIDs {
		if id == entityID {
			return true
		}
	}

	switch {
	case flag.EnabledPercent <= 0:
		return false
	case flag.EnabledPercent >= 100:
		return true
	}

	return bucket(key, entityID) < int(flag.EnabledPercent*float64(bucketCount)/100)
}

// bucket hashes (key, entityID) into [0, bucketCount).
func bucket(key, entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	h.Write([]byte{':'})
	h.Write([]byte(entityID))
	return int(h.Sum32() % bucketCount)
}

// Enable turns a flag fully on.
func (m *Manager) Enable(key string) {
	m.setPercent(key, 100)
}

// Disable turns a flag fully off.
func (m *Manager) Disable(key string) {
	m.setPercent(key, 0)
}

// SetPercent sets a partial rollout percentage, clamped to [0,100].
func (m *Manager) SetPercent(key string, pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	m.setPercent(key, pct)
}

func (m *Manager) setPercent(key string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag := m.flags[key]
	flag.Key = key
	flag.EnabledPercent = pct
	flag.UpdatedAt = time.Now().UTC()
	m.flags[key] = flag
	m.logger.Info("Feature flag updated", zap.String("key", key), zap.Float64("percent", pct))
}

// EmergencyDisableAll zeroes every rollout and clears target lists. This is
// the kill switch: every consumer falls back to its base behavior.
func (m *Manager) EmergencyDisableAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for key, flag := range m.flags {
		flag.EnabledPercent = 0
		flag.TargetIDs = nil
		flag.UpdatedAt = now
		m.flags[key] = flag
	}
	m.logger.Warn("Emergency disable: all feature flags forced off", zap.Int("count", len(m.flags)))
}

// AddTarget force-enables a flag for one entity id regardless of percentage.
func (m *Manager) AddTarget(key, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag := m.flags[key]
	flag.Key = key
	for _, id := range flag.TargetIDs {
		if id == entityID {
			return
		}
	}
	flag.TargetIDs = append(flag.TargetIDs, entityID)
	flag.UpdatedAt = time.Now().UTC()
	m.flags[key] = flag
}

// Snapshot returns a stable-ordered copy of all flags for persistence.
func (m *Manager) Snapshot() []schemas.FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.FeatureFlag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
