package access

import (
	"fmt"
	"net/url"
	"strings"

	"kb-chat/internal/domain"
)

// Classification is the tagged result of classifying one storage URI.
type Classification struct {
	Matched bool
	Domain  domain.ContentDomain
}

// Classifier assigns storage URIs to content domains by longest prefix match.
// It is a pure function of the domain list it was built from.
type Classifier struct {
	domains []domain.ContentDomain
}

func NewClassifier(domains []domain.ContentDomain) *Classifier {
	c := &Classifier{domains: make([]domain.ContentDomain, 0, len(domains))}
	for _, d := range domains {
		d.StoragePrefix = domain.NormalizePrefix(d.StoragePrefix)
		if d.StoragePrefix == "" {
			continue
		}
		c.domains = append(c.domains, d)
	}
	return c
}

// Classify returns the domain whose prefix is the longest match of the URI's
// path. Two matches of equal length mean duplicate prefixes in the registry
// and are reported as ErrConfigurationInconsistency.
func (c *Classifier) Classify(storageURI string) (Classification, error) {
	path := StoragePath(storageURI)
	if path == "" {
		return Classification{}, nil
	}

	var (
		best  domain.ContentDomain
		found bool
		tie   string
	)
	for _, d := range c.domains {
		if !strings.HasPrefix(path, d.StoragePrefix) {
			continue
		}
		switch {
		case !found || len(d.StoragePrefix) > len(best.StoragePrefix):
			best, found, tie = d, true, ""
		case len(d.StoragePrefix) == len(best.StoragePrefix):
			tie = d.Code
		}
	}
	if tie != "" {
		return Classification{}, fmt.Errorf("%w: domains %q and %q share prefix %q", ErrConfigurationInconsistency, best.Code, tie, best.StoragePrefix)
	}
	if !found {
		return Classification{}, nil
	}
	return Classification{Matched: true, Domain: best}, nil
}

// MatchesAnyPrefix reports whether any configured prefix occurs anywhere in
// the raw URI.
func (c *Classifier) MatchesAnyPrefix(raw string) bool {
	if raw == "" {
		return false
	}
	for _, d := range c.domains {
		if strings.Contains(raw, d.StoragePrefix) {
			return true
		}
	}
	return false
}

// Domain looks up a classified domain by code.
func (c *Classifier) Domain(code string) (domain.ContentDomain, bool) {
	for _, d := range c.domains {
		if d.Code == code {
			return d, true
		}
	}
	return domain.ContentDomain{}, false
}

// StoragePath extracts the object path from a storage URI. For scheme URIs
// such as s3://bucket/key the bucket is dropped; bare paths are returned
// without leading slashes.
func StoragePath(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	if !strings.Contains(uri, "://") {
		return strings.TrimLeft(uri, "/")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimLeft(u.Path, "/")
}
