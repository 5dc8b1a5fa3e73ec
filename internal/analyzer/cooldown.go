package analyzer

import (
	"sync"
	"time"

	"fabricmon/internal/rules"
)

type cooldownKey struct {
	rule   string
	target string
}

// CooldownTracker enforces the per (rule, target) suppression window.
// Entries never expire; they are overwritten on each allowed dispatch.
type CooldownTracker struct {
	mu   sync.Mutex
	last map[cooldownKey]time.Time
}

func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{last: make(map[cooldownKey]time.Time)}
}

// Allow reports whether a dispatch for (rule, target) is admitted at now,
// and atomically stamps now when it is. A rule without cooldown always
// admits.
func (t *CooldownTracker) Allow(r rules.Rule, target string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := cooldownKey{rule: r.Name, target: target}
	if stamp, ok := t.last[k]; ok && now.Sub(stamp) < r.Cooldown() {
		return false
	}
	t.last[k] = now
	return true
}

// Last returns the last dispatch stamp for (rule, target), if any.
func (t *CooldownTracker) Last(rule, target string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stamp, ok := t.last[cooldownKey{rule: rule, target: target}]
	return stamp, ok
}
