package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"kb-chat/internal/domain"
)

// ErrConfigurationInconsistency marks registry integrity violations: a group
// referencing a missing domain, or two domains sharing a storage prefix.
var ErrConfigurationInconsistency = errors.New("access: configuration inconsistency")

// Registry is the read side of the domain registry consumed by the resolver
// and the classifier.
type Registry interface {
	GetGroup(ctx context.Context, code string) (domain.AccessGroup, error)
	GetDomain(ctx context.Context, code string) (domain.ContentDomain, error)
	ListDomains(ctx context.Context) ([]domain.ContentDomain, error)
}

// ScopeStatus records how a group code was resolved.
type ScopeStatus int

const (
	ScopeAbsent ScopeStatus = iota
	ScopeUnknownGroup
	ScopeResolved
)

func (s ScopeStatus) String() string {
	switch s {
	case ScopeAbsent:
		return "absent"
	case ScopeUnknownGroup:
		return "unknown_group"
	case ScopeResolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// PrefixSet is a set of normalized storage prefixes.
type PrefixSet map[string]struct{}

func NewPrefixSet(prefixes ...string) PrefixSet {
	s := make(PrefixSet, len(prefixes))
	for _, p := range prefixes {
		if p = domain.NormalizePrefix(p); p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

func (s PrefixSet) Contains(prefix string) bool {
	_, ok := s[domain.NormalizePrefix(prefix)]
	return ok
}

// Sorted returns the prefixes in lexical order.
func (s PrefixSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Scope is the resolved authorization of one access group.
type Scope struct {
	GroupCode string
	Status    ScopeStatus
	Domains   []domain.ContentDomain
	Prefixes  PrefixSet
}

// Empty reports whether the scope grants nothing.
func (s Scope) Empty() bool {
	return len(s.Prefixes) == 0
}

// DomainNames lists the display names of the authorized domains.
func (s Scope) DomainNames() []string {
	names := make([]string, 0, len(s.Domains))
	for _, d := range s.Domains {
		name := d.DisplayName
		if name == "" {
			name = d.Code
		}
		names = append(names, name)
	}
	return names
}

// Resolver maps access-group codes to allowed storage prefixes.
type Resolver struct {
	registry Registry
	logger   *zap.Logger
}

func NewResolver(registry Registry, logger *zap.Logger) (*Resolver, error) {
	if registry == nil {
		return nil, errors.New("access: registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{registry: registry, logger: logger}, nil
}

// Resolve returns the scope for groupCode. An absent or unknown group yields
// an empty scope and a nil error; a group pointing at a missing domain yields
// ErrConfigurationInconsistency.
func (r *Resolver) Resolve(ctx context.Context, groupCode string) (Scope, error) {
	code := strings.TrimSpace(groupCode)
	if code == "" {
		return Scope{Status: ScopeAbsent, Prefixes: PrefixSet{}}, nil
	}

	group, err := r.registry.GetGroup(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("unknown access group", zap.String("group_code", code))
		return Scope{GroupCode: code, Status: ScopeUnknownGroup, Prefixes: PrefixSet{}}, nil
	}
	if err != nil {
		return Scope{}, fmt.Errorf("access: Resolve get group %q: %w", code, err)
	}

	scope := Scope{GroupCode: code, Status: ScopeResolved, Prefixes: PrefixSet{}}
	seen := make(map[string]bool, len(group.AllowedDomainCodes))
	for _, dc := range group.AllowedDomainCodes {
		if seen[dc] {
			continue
		}
		seen[dc] = true

		d, err := r.registry.GetDomain(ctx, dc)
		if errors.Is(err, domain.ErrNotFound) {
			return Scope{}, fmt.Errorf("%w: group %q references unknown domain %q", ErrConfigurationInconsistency, code, dc)
		}
		if err != nil {
			return Scope{}, fmt.Errorf("access: Resolve get domain %q: %w", dc, err)
		}
		prefix := domain.NormalizePrefix(d.StoragePrefix)
		if prefix == "" {
			return Scope{}, fmt.Errorf("%w: domain %q has no storage prefix", ErrConfigurationInconsistency, dc)
		}
		scope.Domains = append(scope.Domains, d)
		scope.Prefixes[prefix] = struct{}{}
	}
	return scope, nil
}
