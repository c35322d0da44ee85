package access

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"kb-chat/internal/domain"
)

// UnmatchedPolicy decides the fate of hits whose URI maps to no domain and
// contains no configured prefix.
type UnmatchedPolicy string

const (
	UnmatchedAllow UnmatchedPolicy = "allow"
	UnmatchedBlock UnmatchedPolicy = "block"
)

// UnclassifiedDomain stands in BlockedDomains for withheld hits that map to
// no registered domain.
const UnclassifiedDomain = "UNCLASSIFIED"

func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch p := UnmatchedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return UnmatchedAllow, nil
	case UnmatchedAllow, UnmatchedBlock:
		return p, nil
	default:
		return "", fmt.Errorf("access: unknown unmatched hit policy %q", s)
	}
}

// FilterResult partitions retrieval hits. Hits are never modified beyond the
// derived DomainCode.
type FilterResult struct {
	Allowed        []domain.RetrievalHit
	Blocked        []domain.RetrievalHit
	BlockedDomains []string
	Violated       bool
}

// Filter enforces a scope against retrieval hits.
type Filter struct {
	classifier *Classifier
	policy     UnmatchedPolicy
	logger     *zap.Logger
}

func NewFilter(classifier *Classifier, policy UnmatchedPolicy, logger *zap.Logger) *Filter {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if policy == "" {
		policy = UnmatchedAllow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{classifier: classifier, policy: policy, logger: logger}
}

// Apply splits hits into allowed and blocked, preserving retrieval order.
// An empty prefix set blocks every hit.
func (f *Filter) Apply(hits []domain.RetrievalHit, allowed PrefixSet) (FilterResult, error) {
	var res FilterResult
	blocked := make(map[string]struct{})

	for _, hit := range hits {
		cls, err := f.classifier.Classify(hit.StorageURI)
		if err != nil {
			return FilterResult{}, err
		}

		if cls.Matched {
			hit.DomainCode = cls.Domain.Code
			if allowed.Contains(cls.Domain.StoragePrefix) {
				res.Allowed = append(res.Allowed, hit)
			} else {
				res.Blocked = append(res.Blocked, hit)
				blocked[cls.Domain.Code] = struct{}{}
			}
			continue
		}

		if len(allowed) == 0 || f.classifier.MatchesAnyPrefix(hit.StorageURI) || f.policy == UnmatchedBlock {
			res.Blocked = append(res.Blocked, hit)
			blocked[UnclassifiedDomain] = struct{}{}
			continue
		}
		f.logger.Warn("allowing retrieval hit with no domain match",
			zap.String("storage_uri", hit.StorageURI),
			zap.String("policy", string(f.policy)),
		)
		res.Allowed = append(res.Allowed, hit)
	}

	for code := range blocked {
		res.BlockedDomains = append(res.BlockedDomains, code)
	}
	sort.Strings(res.BlockedDomains)
	res.Violated = len(res.BlockedDomains) > 0
	return res, nil
}
