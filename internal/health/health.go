// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// DatabaseChecker pings the database with a short timeout.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// BlockFetcher is the minimal chain surface for the RPC checker, satisfied by
// *ethclient.Client.
type BlockFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker verifies the chain endpoint answers and reports the head block.
func RPCChecker(client BlockFetcher) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "rpc", Healthy: true, Detail: new(big.Int).SetUint64(head).String()}
	}
}

// PauseChecker reports the wallet pause as an unhealthy-but-expected state so
// operators see it on the health endpoint.
func PauseChecker(paused func() (bool, string, time.Time)) Checker {
	return func(ctx context.Context) Status {
		if isPaused, reason, _ := paused(); isPaused {
			return Status{Name: "wallet", Healthy: false, Detail: "paused: " + reason}
		}
		return Status{Name: "wallet", Healthy: true}
	}
}
