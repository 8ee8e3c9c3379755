package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Errors returned by the etcd definition store.
var (
	ErrEtcdNotConfigured = errors.New("etcd client not configured")
	ErrDefinitionExists  = errors.New("quota definition already exists")
	ErrDefinitionMissing = errors.New("quota definition does not exist")
)

// defaultDefinitionPrefix is the etcd key prefix for quota definitions.
const defaultDefinitionPrefix = "flightdeck/quotas/"

// EtcdDefinitionStore implements DefinitionStore against etcd. Operators
// configure tenant quotas out-of-band by writing definitions here; the
// enforcer reads them on every admission check through a short-lived cache.
type EtcdDefinitionStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdDefinitionStore creates a definition store using the given etcd
// client. An empty prefix uses the default.
func NewEtcdDefinitionStore(client *clientv3.Client, prefix string) *EtcdDefinitionStore {
	if prefix == "" {
		prefix = defaultDefinitionPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdDefinitionStore{client: client, prefix: prefix}
}

func (s *EtcdDefinitionStore) definitionKey(tenantID string) string {
	return s.prefix + tenantID
}

// CreateDefinition stores a new quota definition, failing if one already
// exists for the tenant. The existence check and put are a single etcd
// transaction.
func (s *EtcdDefinitionStore) CreateDefinition(ctx context.Context, q *TenantQuota) error {
	if s.client == nil {
		return ErrEtcdNotConfigured
	}
	if q == nil {
		return fmt.Errorf("quota definition cannot be nil")
	}
	if err := q.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quota definition: %w", err)
	}

	key := s.definitionKey(q.TenantID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to create quota definition: %w", err)
	}
	if !resp.Succeeded {
		return ErrDefinitionExists
	}
	return nil
}

// GetDefinition retrieves a quota definition by tenant ID, or nil if absent.
func (s *EtcdDefinitionStore) GetDefinition(ctx context.Context, tenantID string) (*TenantQuota, error) {
	if s.client == nil {
		return nil, ErrEtcdNotConfigured
	}

	resp, err := s.client.Get(ctx, s.definitionKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to get quota definition: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var q TenantQuota
	if err := json.Unmarshal(resp.Kvs[0].Value, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quota definition: %w", err)
	}
	return &q, nil
}

// ListDefinitions returns all quota definitions under the prefix.
func (s *EtcdDefinitionStore) ListDefinitions(ctx context.Context) ([]*TenantQuota, error) {
	if s.client == nil {
		return nil, ErrEtcdNotConfigured
	}

	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list quota definitions: %w", err)
	}

	out := make([]*TenantQuota, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var q TenantQuota
		if err := json.Unmarshal(kv.Value, &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quota definition %s: %w", kv.Key, err)
		}
		out = append(out, &q)
	}
	return out, nil
}

// UpdateDefinition replaces an existing quota definition, failing if the
// tenant has none.
func (s *EtcdDefinitionStore) UpdateDefinition(ctx context.Context, q *TenantQuota) error {
	if s.client == nil {
		return ErrEtcdNotConfigured
	}
	if q == nil {
		return fmt.Errorf("quota definition cannot be nil")
	}
	if err := q.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quota definition: %w", err)
	}

	key := s.definitionKey(q.TenantID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to update quota definition: %w", err)
	}
	if !resp.Succeeded {
		return ErrDefinitionMissing
	}
	return nil
}

// DeleteDefinition removes a quota definition, failing if the tenant has none.
func (s *EtcdDefinitionStore) DeleteDefinition(ctx context.Context, tenantID string) error {
	if s.client == nil {
		return ErrEtcdNotConfigured
	}

	resp, err := s.client.Delete(ctx, s.definitionKey(tenantID))
	if err != nil {
		return fmt.Errorf("failed to delete quota definition: %w", err)
	}
	if resp.Deleted == 0 {
		return ErrDefinitionMissing
	}
	return nil
}

// Ensure EtcdDefinitionStore implements DefinitionStore at compile time.
var _ DefinitionStore = (*EtcdDefinitionStore)(nil)
