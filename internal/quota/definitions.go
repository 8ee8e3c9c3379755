package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// TenantQuota is a per-tenant resource ceiling. Quotas are configured
// out-of-band through a DefinitionStore and read on every admission check.
// Burst allowances apply to CPU and memory only: a temporary excess
// tolerance, not a permanent ceiling increase.
type TenantQuota struct {
	TenantID          string  `json:"tenant_id"`
	MaxCPUCores       float64 `json:"max_cpu_cores"`
	MaxMemoryGB       float64 `json:"max_memory_gb"`
	MaxStorageGB      float64 `json:"max_storage_gb"`
	MaxTokensPerDay   float64 `json:"max_tokens_per_day"`
	MaxCostPerDayUSD  float64 `json:"max_cost_per_day_usd"`
	MaxGPUs           float64 `json:"max_gpus"`
	MaxConcurrentRuns int     `json:"max_concurrent_runs"`
	BurstCPUCores     float64 `json:"burst_cpu_cores,omitempty"`
	BurstMemoryGB     float64 `json:"burst_memory_gb,omitempty"`
}

// Validate checks the quota definition for negative ceilings.
func (q *TenantQuota) Validate() error {
	if q.TenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	for name, v := range map[string]float64{
		"max_cpu_cores":        q.MaxCPUCores,
		"max_memory_gb":        q.MaxMemoryGB,
		"max_storage_gb":       q.MaxStorageGB,
		"max_tokens_per_day":   q.MaxTokensPerDay,
		"max_cost_per_day_usd": q.MaxCostPerDayUSD,
		"max_gpus":             q.MaxGPUs,
		"burst_cpu_cores":      q.BurstCPUCores,
		"burst_memory_gb":      q.BurstMemoryGB,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if q.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs cannot be negative")
	}
	return nil
}

// Limit returns the steady-state ceiling for a resource type, or 0 when
// the dimension is unlimited.
func (q *TenantQuota) Limit(resource types.ResourceType) float64 {
	switch resource {
	case types.ResourceCPUCores:
		return q.MaxCPUCores
	case types.ResourceMemoryGB:
		return q.MaxMemoryGB
	case types.ResourceStorageGB:
		return q.MaxStorageGB
	case types.ResourceTokensPerDay:
		return q.MaxTokensPerDay
	case types.ResourceCostPerDayUSD:
		return q.MaxCostPerDayUSD
	case types.ResourceGPUs:
		return q.MaxGPUs
	}
	return 0
}

// Burst returns the burst allowance for a resource type. Only CPU and
// memory carry burst.
func (q *TenantQuota) Burst(resource types.ResourceType) float64 {
	switch resource {
	case types.ResourceCPUCores:
		return q.BurstCPUCores
	case types.ResourceMemoryGB:
		return q.BurstMemoryGB
	}
	return 0
}

// DefinitionStore provides CRUD for tenant quota definitions. The etcd
// implementation is the production store; the in-memory implementation
// serves tests and single-process deployments.
type DefinitionStore interface {
	// CreateDefinition stores a new quota definition.
	// Returns an error if a definition for the tenant already exists.
	CreateDefinition(ctx context.Context, q *TenantQuota) error

	// GetDefinition retrieves a quota definition by tenant ID.
	// Returns nil, nil if not found.
	GetDefinition(ctx context.Context, tenantID string) (*TenantQuota, error)

	// ListDefinitions returns all quota definitions.
	ListDefinitions(ctx context.Context) ([]*TenantQuota, error)

	// UpdateDefinition replaces an existing quota definition.
	// Returns an error if the definition does not exist.
	UpdateDefinition(ctx context.Context, q *TenantQuota) error

	// DeleteDefinition removes a quota definition.
	// Returns an error if the definition does not exist.
	DeleteDefinition(ctx context.Context, tenantID string) error
}

// InMemoryDefinitionStore implements DefinitionStore in process memory.
type InMemoryDefinitionStore struct {
	mu     sync.RWMutex
	quotas map[string]TenantQuota
}

// NewInMemoryDefinitionStore creates an empty in-memory definition store.
func NewInMemoryDefinitionStore() *InMemoryDefinitionStore {
	return &InMemoryDefinitionStore{quotas: make(map[string]TenantQuota)}
}

// CreateDefinition stores a new quota definition.
func (s *InMemoryDefinitionStore) CreateDefinition(ctx context.Context, q *TenantQuota) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotas[q.TenantID]; exists {
		return fmt.Errorf("quota definition for tenant %q already exists", q.TenantID)
	}
	s.quotas[q.TenantID] = *q
	return nil
}

// GetDefinition retrieves a quota definition, or nil if absent.
func (s *InMemoryDefinitionStore) GetDefinition(ctx context.Context, tenantID string) (*TenantQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, exists := s.quotas[tenantID]
	if !exists {
		return nil, nil
	}
	copied := q
	return &copied, nil
}

// ListDefinitions returns all quota definitions.
func (s *InMemoryDefinitionStore) ListDefinitions(ctx context.Context) ([]*TenantQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TenantQuota, 0, len(s.quotas))
	for _, q := range s.quotas {
		copied := q
		out = append(out, &copied)
	}
	return out, nil
}

// UpdateDefinition replaces an existing quota definition.
func (s *InMemoryDefinitionStore) UpdateDefinition(ctx context.Context, q *TenantQuota) error {
	if err := q.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotas[q.TenantID]; !exists {
		return fmt.Errorf("quota definition for tenant %q does not exist", q.TenantID)
	}
	s.quotas[q.TenantID] = *q
	return nil
}

// DeleteDefinition removes a quota definition.
func (s *InMemoryDefinitionStore) DeleteDefinition(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotas[tenantID]; !exists {
		return fmt.Errorf("quota definition for tenant %q does not exist", tenantID)
	}
	delete(s.quotas, tenantID)
	return nil
}

// Ensure InMemoryDefinitionStore implements DefinitionStore at compile time.
var _ DefinitionStore = (*InMemoryDefinitionStore)(nil)
