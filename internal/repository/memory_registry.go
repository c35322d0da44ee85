package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"kb-chat/internal/domain"
)

// RegistrySeed is the on-disk shape of a registry file.
type RegistrySeed struct {
	Domains []domain.ContentDomain `yaml:"domains"`
	Groups  []domain.AccessGroup   `yaml:"groups"`
}

// LoadRegistrySeed reads a YAML registry file.
func LoadRegistrySeed(path string) (RegistrySeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RegistrySeed{}, fmt.Errorf("repository: read registry file: %w", err)
	}
	var seed RegistrySeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return RegistrySeed{}, fmt.Errorf("repository: parse registry file: %w", err)
	}
	return seed, nil
}

// MemoryRegistry is a process-local registry. Each instance owns its data;
// callers construct one per lifetime scope and inject it.
type MemoryRegistry struct {
	mu      sync.RWMutex
	domains map[string]domain.ContentDomain
	groups  map[string]domain.AccessGroup
	now     func() time.Time
}

// NewMemoryRegistry builds a registry from seed, rejecting groups that name
// unknown domains.
func NewMemoryRegistry(seed RegistrySeed) (*MemoryRegistry, error) {
	r := &MemoryRegistry{
		domains: make(map[string]domain.ContentDomain, len(seed.Domains)),
		groups:  make(map[string]domain.AccessGroup, len(seed.Groups)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, d := range seed.Domains {
		if d.Code == "" {
			return nil, errors.New("repository: registry domain without code")
		}
		if _, dup := r.domains[d.Code]; dup {
			return nil, fmt.Errorf("repository: duplicate domain %q", d.Code)
		}
		d.StoragePrefix = domain.NormalizePrefix(d.StoragePrefix)
		d.CreatedAt, d.UpdatedAt = r.now(), r.now()
		r.domains[d.Code] = d
	}
	for _, g := range seed.Groups {
		if g.Code == "" {
			return nil, errors.New("repository: registry group without code")
		}
		for _, dc := range g.AllowedDomainCodes {
			if _, ok := r.domains[dc]; !ok {
				return nil, fmt.Errorf("repository: group %q references unknown domain %q", g.Code, dc)
			}
		}
		g.CreatedAt, g.UpdatedAt = r.now(), r.now()
		r.groups[g.Code] = g
	}
	return r, nil
}

func (r *MemoryRegistry) ListDomains(_ context.Context) ([]domain.ContentDomain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ContentDomain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryRegistry) GetDomain(_ context.Context, code string) (domain.ContentDomain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[code]
	if !ok {
		return domain.ContentDomain{}, fmt.Errorf("repository: GetDomain %q: %w", code, domain.ErrNotFound)
	}
	return d, nil
}

func (r *MemoryRegistry) CreateDomain(_ context.Context, d domain.ContentDomain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[d.Code]; ok {
		return fmt.Errorf("repository: CreateDomain %q: %w", d.Code, domain.ErrConflict)
	}
	if r.prefixTakenLocked(d.StoragePrefix, d.Code) {
		return fmt.Errorf("repository: CreateDomain prefix %q: %w", d.StoragePrefix, domain.ErrConflict)
	}
	d.CreatedAt, d.UpdatedAt = r.now(), r.now()
	r.domains[d.Code] = d
	return nil
}

func (r *MemoryRegistry) UpdateDomain(_ context.Context, d domain.ContentDomain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.domains[d.Code]
	if !ok {
		return fmt.Errorf("repository: UpdateDomain %q: %w", d.Code, domain.ErrNotFound)
	}
	if r.prefixTakenLocked(d.StoragePrefix, d.Code) {
		return fmt.Errorf("repository: UpdateDomain prefix %q: %w", d.StoragePrefix, domain.ErrConflict)
	}
	d.CreatedAt, d.UpdatedAt = cur.CreatedAt, r.now()
	r.domains[d.Code] = d
	return nil
}

func (r *MemoryRegistry) DeleteDomain(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[code]; !ok {
		return fmt.Errorf("repository: DeleteDomain %q: %w", code, domain.ErrNotFound)
	}
	delete(r.domains, code)
	return nil
}

func (r *MemoryRegistry) prefixTakenLocked(prefix, except string) bool {
	for code, d := range r.domains {
		if code != except && d.StoragePrefix == prefix {
			return true
		}
	}
	return false
}

func (r *MemoryRegistry) ListGroups(_ context.Context) ([]domain.AccessGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AccessGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryRegistry) GetGroup(_ context.Context, code string) (domain.AccessGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[code]
	if !ok {
		return domain.AccessGroup{}, fmt.Errorf("repository: GetGroup %q: %w", code, domain.ErrNotFound)
	}
	return g, nil
}

func (r *MemoryRegistry) CreateGroup(_ context.Context, g domain.AccessGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.Code]; ok {
		return fmt.Errorf("repository: CreateGroup %q: %w", g.Code, domain.ErrConflict)
	}
	g.CreatedAt, g.UpdatedAt = r.now(), r.now()
	r.groups[g.Code] = g
	return nil
}

func (r *MemoryRegistry) UpdateGroup(_ context.Context, g domain.AccessGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.groups[g.Code]
	if !ok {
		return fmt.Errorf("repository: UpdateGroup %q: %w", g.Code, domain.ErrNotFound)
	}
	g.CreatedAt, g.UpdatedAt = cur.CreatedAt, r.now()
	r.groups[g.Code] = g
	return nil
}

func (r *MemoryRegistry) DeleteGroup(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[code]; !ok {
		return fmt.Errorf("repository: DeleteGroup %q: %w", code, domain.ErrNotFound)
	}
	delete(r.groups, code)
	return nil
}
