package core

// context.go – CoreContext: the process-wide, read-mostly caches the
// design notes call for (spec §9 "Global caches without singletons ...
// pass a CoreContext handle explicitly").
//
// Grounded on core/access_control.go's RWMutex-guarded role cache, widened
// from a single map to the three read-mostly maps spec §5 names (task
// configs, HPKE receiver configs, bearer tokens), and backed by
// github.com/hashicorp/golang-lru/v2 (already on the dependency tree) for
// the task cache specifically, since tasks are the one map with an
// unbounded, externally-driven key space (arbitrary TaskIds) that benefits
// from eviction; HPKE configs and tokens are operator-provisioned and small
// enough for a plain map.

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CoreContext bundles the caches every component needs without resorting
// to package-level singletons, satisfying the "no lock across a suspension
// point" rule (§5): every accessor clones or extracts before returning.
type CoreContext struct {
	tasks *lru.Cache[TaskID, *Task]

	hpkeMu sync.RWMutex
	hpke   map[uint8]*HpkeReceiverConfig

	tokenMu sync.RWMutex
	tokens  map[TaskID]map[string]struct{} // task -> set of valid bearer tokens
}

// NewCoreContext builds a context with a task cache bounded to
// taskCacheSize entries; 0 or a negative size selects a default capacity of
// 4096 entries, beyond which the least recently used task is evicted.
func NewCoreContext(taskCacheSize int) (*CoreContext, error) {
	if taskCacheSize <= 0 {
		taskCacheSize = 4096
	}
	tasks, err := lru.New[TaskID, *Task](taskCacheSize)
	if err != nil {
		return nil, err
	}
	return &CoreContext{
		tasks:  tasks,
		hpke:   make(map[uint8]*HpkeReceiverConfig),
		tokens: make(map[TaskID]map[string]struct{}),
	}, nil
}

// PutTask installs or replaces a task's cached configuration.
func (c *CoreContext) PutTask(t *Task) {
	c.tasks.Add(t.ID, t)
}

// Task returns the cached task, or (nil, false) — callers translate a miss
// into ErrUnrecognizedTask (§7). The returned pointer is shared but Task is
// treated as a value type by convention (§9 "treat task configs as value
// types"); nothing mutates it after PutTask.
func (c *CoreContext) Task(id TaskID) (*Task, bool) {
	return c.tasks.Get(id)
}

// PutHpkeReceiverConfig installs a receiver config under its own process
// identity (not per-task: HPKE configs are shared across every task an
// Aggregator serves, per spec §6.1's un-scoped GET /hpke_config).
func (c *CoreContext) PutHpkeReceiverConfig(cfg *HpkeReceiverConfig) {
	c.hpkeMu.Lock()
	defer c.hpkeMu.Unlock()
	c.hpke[cfg.Config.ID] = cfg
}

// HpkeReceiverConfig returns the config matching id. The held lock never
// crosses a suspension point: the pointer is returned immediately and the
// caller does its own HPKE work (a CPU-bound step, not a blocking one)
// without reacquiring the context's lock.
func (c *CoreContext) HpkeReceiverConfig(id uint8) (*HpkeReceiverConfig, bool) {
	c.hpkeMu.RLock()
	defer c.hpkeMu.RUnlock()
	cfg, ok := c.hpke[id]
	return cfg, ok
}

// CurrentHpkeConfigs returns the public half of every installed receiver
// config, the payload of GET /hpke_config (§6.1).
func (c *CoreContext) CurrentHpkeConfigs() []HpkeConfig {
	c.hpkeMu.RLock()
	defer c.hpkeMu.RUnlock()
	out := make([]HpkeConfig, 0, len(c.hpke))
	for _, cfg := range c.hpke {
		out = append(out, cfg.Config)
	}
	return out
}

// SetBearerTokens replaces the set of valid DAP-Auth-Token values for task
// (§6.2 "Bearer token in header DAP-Auth-Token").
func (c *CoreContext) SetBearerTokens(task TaskID, tokens []string) {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.tokens[task] = set
}

// CheckBearerToken reports whether token is valid for task. A task with no
// configured tokens accepts none (an operator must opt a task into bearer
// auth explicitly, mirroring mTLS's opt-in framing in §6.2).
func (c *CoreContext) CheckBearerToken(task TaskID, token string) bool {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	set, ok := c.tokens[task]
	if !ok {
		return false
	}
	_, valid := set[token]
	return valid
}
