// Package health reports on the monitor's dependencies (document store,
// scoring service, settings backend) and on its own readiness to serve a
// dashboard (the live view has loaded and its subscriptions are healthy).
//
// Dependency checks back /health; readiness checks back /health/ready.
// Checks in a group run concurrently, each bounded by DefaultCheckTimeout.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds the dependency and readiness checks.
type Registry struct {
	mu        sync.RWMutex
	deps      []Checker
	readiness []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a dependency check. The name is carried by the Status the
// checker returns.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.deps = append(r.deps, check)
	r.mu.Unlock()
}

// RegisterReadiness adds a check that must pass before traffic is served.
func (r *Registry) RegisterReadiness(check Checker) {
	r.mu.Lock()
	r.readiness = append(r.readiness, check)
	r.mu.Unlock()
}

// CheckAll runs the dependency checks.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]Checker(nil), r.deps...)
	r.mu.RUnlock()
	return run(ctx, checks)
}

// Ready runs the readiness checks.
func (r *Registry) Ready(ctx context.Context) (ready bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]Checker(nil), r.readiness...)
	r.mu.RUnlock()
	return run(ctx, checks)
}

// run executes checks concurrently and returns their results in
// registration order.
func run(ctx context.Context, checks []Checker) (bool, []Status) {
	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
			defer cancel()
			statuses[i] = check(cctx)
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
