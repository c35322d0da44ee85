package domain

import (
	"strings"
	"time"
)

// ContentDomain is a named partition of the knowledge corpus backed by a
// storage path prefix.
type ContentDomain struct {
	Code              string    `json:"code" yaml:"code"`
	DisplayName       string    `json:"displayName" yaml:"displayName"`
	StoragePrefix     string    `json:"storagePrefix" yaml:"storagePrefix"`
	HasIndexedContent bool      `json:"hasIndexedContent" yaml:"hasIndexedContent"`
	Description       string    `json:"description" yaml:"description"`
	CreatedAt         time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time `json:"updatedAt" yaml:"-"`
}

// AccessGroup is an authorization scope resolving to a set of content domains.
type AccessGroup struct {
	Code               string    `json:"code" yaml:"code"`
	AllowedDomainCodes []string  `json:"allowedDomainCodes" yaml:"allowedDomainCodes"`
	Description        string    `json:"description" yaml:"description"`
	CreatedAt          time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt          time.Time `json:"updatedAt" yaml:"-"`
}

// NormalizePrefix trims surrounding whitespace and leading slashes and
// guarantees exactly one trailing slash. An empty input stays empty.
func NormalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
