// Package worker tracks the pool of inference workers a relay can route
// requests to: which ones are currently connected, which model each serves,
// and which one should receive the next request.
package worker

import (
	"sync"
	"time"

	"github.com/ryanuber/go-glob"

	"github.com/tokenplace/relay/internal/protocol"
)

// Worker describes one connected inference worker.
type Worker struct {
	ID           string
	Model        string
	PublicKey    string
	RegisteredAt time.Time
	LastSeen     time.Time
	InFlight     int
}

// Registry tracks connected workers in memory, selecting the next worker to
// dispatch to by round-robin within a model, breaking ties toward the
// worker that has been idle the longest (ascending last-seen).
//
// Registry is the in-memory implementation that the dispatch layer uses.
// RedisRegistry in registry_redis.go is a separate Redis-backed type with
// its own context-taking method set; the two share no interface.
type Registry struct {
	ttl             time.Duration
	sharedToken     string
	allowPatterns   []string
	maxInFlight     int

	mu      sync.Mutex
	workers map[string]*Worker
	cursor  map[string]int // last round-robin position, per model
}

// Options configures a Registry.
type Options struct {
	// TTL is how long a worker may go without a heartbeat before the reaper
	// evicts it.
	TTL time.Duration

	// SharedToken, when non-empty, is required as the bearer token on
	// worker registration requests.
	SharedToken string

	// AllowPatterns, when non-empty, restricts registration to worker IDs
	// matching at least one glob pattern (e.g. "gpu-*").
	AllowPatterns []string

	// MaxInFlight bounds how many unacknowledged requests a single worker
	// may hold at once; Next skips workers at the cap. Zero means no cap.
	MaxInFlight int
}

// New constructs an in-memory Registry.
func New(opts Options) *Registry {
	return &Registry{
		ttl:           opts.TTL,
		sharedToken:   opts.SharedToken,
		allowPatterns: opts.AllowPatterns,
		maxInFlight:   opts.MaxInFlight,
		workers:       make(map[string]*Worker),
		cursor:        make(map[string]int),
	}
}

// Authorize checks a worker registration request's bearer token and ID
// against the configured shared token and allow-list, in that order.
func (r *Registry) Authorize(id, bearerToken string) error {
	if r.sharedToken != "" && bearerToken != r.sharedToken {
		return protocol.NewError(protocol.ErrUnauthorized, "invalid worker token")
	}
	if len(r.allowPatterns) == 0 {
		return nil
	}
	for _, pattern := range r.allowPatterns {
		if glob.Glob(pattern, id) {
			return nil
		}
	}
	return protocol.NewError(protocol.ErrUnauthorized, "worker id not in allow-list")
}

// Register adds or refreshes a worker's heartbeat.
func (r *Registry) Register(id, model string) {
	r.RegisterWithKey(id, model, "")
}

// RegisterWithKey adds or refreshes a worker's heartbeat along with its
// currently advertised public key, used to answer /next-server without
// binding a request.
func (r *Registry) RegisterWithKey(id, model, publicKey string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.LastSeen = now
		w.Model = model
		if publicKey != "" {
			w.PublicKey = publicKey
		}
		return
	}
	r.workers[id] = &Worker{ID: id, Model: model, PublicKey: publicKey, RegisteredAt: now, LastSeen: now}
}

// Heartbeat refreshes a registered worker's last-seen time. It reports
// whether the worker was known.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastSeen = time.Now()
	return true
}

// Deregister removes a worker immediately, e.g. on graceful worker shutdown.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Next selects the next worker serving model by round robin, tie-broken
// toward the least-recently-seen worker, skipping workers already at their
// in-flight cap. It reports false if no eligible worker serves the model.
func (r *Registry) Next(model string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Worker
	for _, w := range r.workers {
		if w.Model != model {
			continue
		}
		if r.maxInFlight > 0 && w.InFlight >= r.maxInFlight {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return Worker{}, false
	}

	sortByLastSeenAscendingThenID(candidates)

	pos := r.cursor[model] % len(candidates)
	r.cursor[model] = pos + 1
	return *candidates[pos], true
}

// IncrementInFlight records that worker id has been handed one more
// request, returning false if the worker is unknown.
func (r *Registry) IncrementInFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.InFlight++
	return true
}

// DecrementInFlight records that worker id has resolved one request,
// publishing a reply or losing it to a worker-gone ticket. It is a no-op
// for unknown workers (already evicted) rather than an error, since the
// spec requires in-flight to be decremented at publish time regardless of
// whether the worker is still registered.
func (r *Registry) DecrementInFlight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok && w.InFlight > 0 {
		w.InFlight--
	}
}

// List returns a snapshot of all currently registered workers.
func (r *Registry) List() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// ReapExpired evicts workers whose last heartbeat is older than the
// registry's TTL and returns the evicted worker IDs. Call this periodically
// from a reaper goroutine; the registry performs no eviction implicitly.
func (r *Registry) ReapExpired() []string {
	if r.ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, w := range r.workers {
		if w.LastSeen.Before(cutoff) {
			evicted = append(evicted, id)
			delete(r.workers, id)
		}
	}
	return evicted
}

// sortByLastSeenAscendingThenID implements the round-robin tie-break: the
// worker idle longest goes first, ID breaking ties for determinism in tests.
func sortByLastSeenAscendingThenID(workers []*Worker) {
	for i := 1; i < len(workers); i++ {
		for j := i; j > 0 && less(workers[j], workers[j-1]); j-- {
			workers[j], workers[j-1] = workers[j-1], workers[j]
		}
	}
}

func less(a, b *Worker) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.ID < b.ID
}

// RunReaper runs ReapExpired every interval until stop is closed, invoking
// onEvict for each worker ID evicted.
func (r *Registry) RunReaper(interval time.Duration, stop <-chan struct{}, onEvict func(id string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range r.ReapExpired() {
				if onEvict != nil {
					onEvict(id)
				}
			}
		}
	}
}
