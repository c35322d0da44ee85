package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"

	"kb-chat/internal/access"
	"kb-chat/internal/domain"
)

// RegistryStore is the read and write side of the domain registry.
type RegistryStore interface {
	access.Registry
	ListGroups(ctx context.Context) ([]domain.AccessGroup, error)
	CreateDomain(ctx context.Context, d domain.ContentDomain) error
	UpdateDomain(ctx context.Context, d domain.ContentDomain) error
	DeleteDomain(ctx context.Context, code string) error
	CreateGroup(ctx context.Context, g domain.AccessGroup) error
	UpdateGroup(ctx context.Context, g domain.AccessGroup) error
	DeleteGroup(ctx context.Context, code string) error
}

// GroupDomains is an access group with its domains expanded.
type GroupDomains struct {
	GroupCode   string                 `json:"groupCode"`
	Description string                 `json:"description"`
	Domains     []domain.ContentDomain `json:"kbDomains"`
}

// RegistryService reads the registry for any caller and writes it for
// administrators. Writes keep the invariants the access resolver relies on:
// groups only name existing domains, prefixes are unique, and a domain in use
// cannot be deleted.
type RegistryService struct {
	store RegistryStore
}

func NewRegistryService(store RegistryStore) (*RegistryService, error) {
	if store == nil {
		return nil, errors.New("usecase: registry store must not be nil")
	}
	return &RegistryService{store: store}, nil
}

func (s *RegistryService) ListGroups(ctx context.Context) ([]domain.AccessGroup, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, storeError(err, "list_groups")
	}
	return groups, nil
}

func (s *RegistryService) ListDomains(ctx context.Context) ([]domain.ContentDomain, error) {
	domains, err := s.store.ListDomains(ctx)
	if err != nil {
		return nil, storeError(err, "list_domains")
	}
	return domains, nil
}

func (s *RegistryService) GetGroup(ctx context.Context, code string) (domain.AccessGroup, error) {
	g, err := s.store.GetGroup(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.AccessGroup{}, storeError(err, "get_group")
	}
	return g, nil
}

func (s *RegistryService) GetDomain(ctx context.Context, code string) (domain.ContentDomain, error) {
	d, err := s.store.GetDomain(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.ContentDomain{}, storeError(err, "get_domain")
	}
	return d, nil
}

// GroupDomains expands a group into its domains. A dangling reference is a
// registry integrity failure, not a missing group.
func (s *RegistryService) GroupDomains(ctx context.Context, code string) (GroupDomains, error) {
	g, err := s.GetGroup(ctx, code)
	if err != nil {
		return GroupDomains{}, err
	}
	out := GroupDomains{GroupCode: g.Code, Description: g.Description, Domains: []domain.ContentDomain{}}
	for _, dc := range g.AllowedDomainCodes {
		d, err := s.store.GetDomain(ctx, dc)
		if errors.Is(err, domain.ErrNotFound) {
			return GroupDomains{}, newError(ErrorConfigurationInconsistency, "dangling_domain_code", err)
		}
		if err != nil {
			return GroupDomains{}, storeError(err, "get_domain")
		}
		out.Domains = append(out.Domains, d)
	}
	return out, nil
}

func (s *RegistryService) CreateGroup(ctx context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error) {
	if err := requireAdmin(caller); err != nil {
		return domain.AccessGroup{}, err
	}
	g, err := s.checkGroup(ctx, g)
	if err != nil {
		return domain.AccessGroup{}, err
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return domain.AccessGroup{}, storeError(err, "create_group")
	}
	return s.GetGroup(ctx, g.Code)
}

func (s *RegistryService) UpdateGroup(ctx context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error) {
	if err := requireAdmin(caller); err != nil {
		return domain.AccessGroup{}, err
	}
	g, err := s.checkGroup(ctx, g)
	if err != nil {
		return domain.AccessGroup{}, err
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return domain.AccessGroup{}, storeError(err, "update_group")
	}
	return s.GetGroup(ctx, g.Code)
}

func (s *RegistryService) DeleteGroup(ctx context.Context, caller domain.Identity, code string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, strings.TrimSpace(code)); err != nil {
		return storeError(err, "delete_group")
	}
	return nil
}

// checkGroup trims and deduplicates domain codes and rejects unknown ones.
func (s *RegistryService) checkGroup(ctx context.Context, g domain.AccessGroup) (domain.AccessGroup, error) {
	g.Code = strings.TrimSpace(g.Code)
	if g.Code == "" {
		return g, newError(ErrorValidation, "missing_group_code", nil)
	}
	seen := make(map[string]bool, len(g.AllowedDomainCodes))
	codes := make([]string, 0, len(g.AllowedDomainCodes))
	for _, dc := range g.AllowedDomainCodes {
		dc = strings.TrimSpace(dc)
		if dc == "" || seen[dc] {
			continue
		}
		seen[dc] = true
		if _, err := s.store.GetDomain(ctx, dc); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return g, newError(ErrorValidation, "unknown_domain_code", err)
			}
			return g, storeError(err, "get_domain")
		}
		codes = append(codes, dc)
	}
	g.AllowedDomainCodes = codes
	g.Description = strings.TrimSpace(g.Description)
	return g, nil
}

func (s *RegistryService) CreateDomain(ctx context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error) {
	if err := requireAdmin(caller); err != nil {
		return domain.ContentDomain{}, err
	}
	d, err := s.checkDomain(ctx, d)
	if err != nil {
		return domain.ContentDomain{}, err
	}
	if err := s.store.CreateDomain(ctx, d); err != nil {
		return domain.ContentDomain{}, storeError(err, "create_domain")
	}
	return s.GetDomain(ctx, d.Code)
}

func (s *RegistryService) UpdateDomain(ctx context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error) {
	if err := requireAdmin(caller); err != nil {
		return domain.ContentDomain{}, err
	}
	d, err := s.checkDomain(ctx, d)
	if err != nil {
		return domain.ContentDomain{}, err
	}
	if err := s.store.UpdateDomain(ctx, d); err != nil {
		return domain.ContentDomain{}, storeError(err, "update_domain")
	}
	return s.GetDomain(ctx, d.Code)
}

// DeleteDomain refuses while any group still references the domain.
func (s *RegistryService) DeleteDomain(ctx context.Context, caller domain.Identity, code string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return storeError(err, "list_groups")
	}
	var users []string
	for _, g := range groups {
		for _, dc := range g.AllowedDomainCodes {
			if dc == code {
				users = append(users, g.Code)
				break
			}
		}
	}
	if len(users) > 0 {
		sort.Strings(users)
		return newError(ErrorConflict, "domain_in_use", errors.New("referenced by "+strings.Join(users, ", ")))
	}
	if err := s.store.DeleteDomain(ctx, code); err != nil {
		return storeError(err, "delete_domain")
	}
	return nil
}

// checkDomain normalizes the prefix and rejects one already used by another
// domain, which would make classification ambiguous.
func (s *RegistryService) checkDomain(ctx context.Context, d domain.ContentDomain) (domain.ContentDomain, error) {
	d.Code = strings.TrimSpace(d.Code)
	d.DisplayName = strings.TrimSpace(d.DisplayName)
	d.Description = strings.TrimSpace(d.Description)
	d.StoragePrefix = domain.NormalizePrefix(d.StoragePrefix)
	switch {
	case d.Code == "":
		return d, newError(ErrorValidation, "missing_domain_code", nil)
	case d.DisplayName == "":
		return d, newError(ErrorValidation, "missing_display_name", nil)
	case d.StoragePrefix == "":
		return d, newError(ErrorValidation, "missing_storage_prefix", nil)
	}
	existing, err := s.store.ListDomains(ctx)
	if err != nil {
		return d, storeError(err, "list_domains")
	}
	for _, e := range existing {
		if e.Code != d.Code && domain.NormalizePrefix(e.StoragePrefix) == d.StoragePrefix {
			return d, newError(ErrorConflict, "duplicate_storage_prefix", nil)
		}
	}
	return d, nil
}

func requireAdmin(caller domain.Identity) error {
	if !caller.IsAdmin() {
		return newError(ErrorForbidden, "admin_role_required", nil)
	}
	return nil
}
