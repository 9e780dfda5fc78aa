// Package registry maps destination addresses to trust classifications.
//
// The registry is the first gate in transaction validation: a destination is
// either a known contract with a risk tier, or unknown. Strict callers reject
// unknowns outright; permissive callers allow them with a warning. An explicit
// block-list entry rejects the address even if a whitelist entry also exists.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RiskTier is a contract's trust classification.
type RiskTier string

const (
	RiskLow     RiskTier = "low"
	RiskMedium  RiskTier = "medium"
	RiskHigh    RiskTier = "high"
	RiskBlocked RiskTier = "blocked"
)

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh, RiskBlocked:
		return true
	}
	return false
}

// Category describes what kind of contract an address is.
type Category string

const (
	CategoryToken       Category = "token"
	CategoryLendingPool Category = "lending_pool"
	CategoryRouter      Category = "router"
	CategoryFactory     Category = "factory"
	CategoryOracle      Category = "oracle"
	CategoryWrapper     Category = "wrapper"
	CategoryApprovalHub Category = "approval_hub"
	CategoryGovernance  Category = "governance"
	CategoryOther       Category = "other"
)

// ContractRecord describes a known contract. Records handed out by Lookup are
// copies; callers cannot mutate registry state through them.
type ContractRecord struct {
	Address  string   `yaml:"address" json:"address"`
	Name     string   `yaml:"name" json:"name"`
	Protocol string   `yaml:"protocol" json:"protocol"`
	Category Category `yaml:"category" json:"category"`
	Risk     RiskTier `yaml:"risk" json:"risk"`
	Network  string   `yaml:"network" json:"network"`
	Notes    string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Registry holds the whitelist and block-list. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ContractRecord // keyed by lowercase address
	blocked map[string]string          // lowercase address -> reason
	logger  *slog.Logger
}

// New builds a registry from the built-in table.
func New(logger *slog.Logger) *Registry {
	r := &Registry{
		records: make(map[string]*ContractRecord),
		blocked: make(map[string]string),
		logger:  logger,
	}
	for i := range builtinContracts {
		rec := builtinContracts[i]
		r.records[normalize(rec.Address)] = &rec
	}
	return r
}

// normalize canonicalizes an address for comparison.
func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Lookup returns a copy of the record for the address, if known.
func (r *Registry) Lookup(address string) (*ContractRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[normalize(address)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Add inserts or replaces a record. Returns an error for malformed records.
func (r *Registry) Add(rec ContractRecord) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := rec
	r.records[normalize(rec.Address)] = &cp
	return nil
}

// Remove deletes a record administratively.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, normalize(address))
}

// Block adds an address to the block-list. Block-list membership overrides
// whitelist presence: a blocked contract never validates.
func (r *Registry) Block(address, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[normalize(address)] = reason
}

// Unblock removes an address from the block-list.
func (r *Registry) Unblock(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked, normalize(address))
}

// IsBlocked reports whether the address is on the block-list, either
// explicitly or via a record carrying the blocked risk tier.
func (r *Registry) IsBlocked(address string) bool {
	key := normalize(address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.blocked[key]; ok {
		return true
	}
	if rec, ok := r.records[key]; ok && rec.Risk == RiskBlocked {
		return true
	}
	return false
}

// ValidateTarget checks whether a destination may be transacted with.
// In strict mode any address absent from the table is rejected; in permissive
// mode unknown addresses are allowed and the caller should raise a warning.
func (r *Registry) ValidateTarget(address string, strict bool) (allowed bool, reason string, record *ContractRecord) {
	key := normalize(address)

	r.mu.RLock()
	blockReason, blockListed := r.blocked[key]
	rec, known := r.records[key]
	r.mu.RUnlock()

	if blockListed {
		if blockReason == "" {
			blockReason = "address is block-listed"
		}
		return false, blockReason, nil
	}

	if !known {
		if strict {
			return false, fmt.Sprintf("unknown contract %s (strict mode)", address), nil
		}
		return true, "unknown contract, proceeding in permissive mode", nil
	}

	if rec.Risk == RiskBlocked {
		cp := *rec
		return false, fmt.Sprintf("contract %s (%s) is marked blocked", rec.Name, address), &cp
	}

	cp := *rec
	return true, "", &cp
}

// LoadOverrides merges an address-keyed YAML file on top of the built-in
// table. Malformed entries are skipped with a warning, not a hard failure —
// one bad line in an operator file must not take the wallet down.
func (r *Registry) LoadOverrides(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("registry: read override file: %w", err)
	}

	var file struct {
		Contracts []ContractRecord `yaml:"contracts"`
		Blocked   []struct {
			Address string `yaml:"address"`
			Reason  string `yaml:"reason"`
		} `yaml:"blocked"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("registry: parse override file: %w", err)
	}

	applied := 0
	for i := range file.Contracts {
		rec := file.Contracts[i]
		if err := validateRecord(&rec); err != nil {
			r.logger.Warn("skipping malformed whitelist override entry",
				"address", rec.Address, "error", err)
			continue
		}
		r.mu.Lock()
		cp := rec
		r.records[normalize(rec.Address)] = &cp
		r.mu.Unlock()
		applied++
	}

	for _, b := range file.Blocked {
		if normalize(b.Address) == "" {
			r.logger.Warn("skipping malformed block-list override entry")
			continue
		}
		r.Block(b.Address, b.Reason)
		applied++
	}

	return applied, nil
}

func validateRecord(rec *ContractRecord) error {
	addr := normalize(rec.Address)
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("invalid address %q", rec.Address)
	}
	if rec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if rec.Risk == "" {
		rec.Risk = RiskHigh // unclassified contracts default to high risk
	}
	if !rec.Risk.Valid() {
		return fmt.Errorf("invalid risk tier %q", rec.Risk)
	}
	if rec.Category == "" {
		rec.Category = CategoryOther
	}
	return nil
}
