package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"kb-chat/internal/access"
	"kb-chat/internal/domain"
)

// Retriever is the search oracle.
type Retriever interface {
	Search(ctx context.Context, query string) ([]domain.RetrievalHit, error)
}

// Generator is the token-streaming generation oracle.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationStream, error)
	ModelID() string
}

// SynthesisInput is everything the generator may see for one turn. Hits must
// already be filtered.
type SynthesisInput struct {
	Query      string
	Hits       []domain.RetrievalHit
	Permission PermissionContext
	Caller     domain.Identity
}

// Synthesizer puts the search and generation oracles behind one interface and
// tags every oracle failure as *OracleError.
type Synthesizer struct {
	retriever Retriever
	generator Generator
	maxTokens int
}

func NewSynthesizer(r Retriever, g Generator, maxTokens int) (*Synthesizer, error) {
	if r == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	return &Synthesizer{retriever: r, generator: g, maxTokens: maxTokens}, nil
}

func (s *Synthesizer) Model() string {
	return s.generator.ModelID()
}

// Search runs the retrieval oracle once.
func (s *Synthesizer) Search(ctx context.Context, query string) ([]domain.RetrievalHit, error) {
	hits, err := s.retriever.Search(ctx, query)
	if err != nil {
		return nil, &OracleError{Op: "retrieval", Err: err}
	}
	return hits, nil
}

// Synthesize starts a generation stream over the allowed evidence.
func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) (domain.GenerationStream, error) {
	msgs, err := buildPromptMessages(in.Query, in.Hits, in.Permission, in.Caller)
	if err != nil {
		return nil, err
	}
	stream, err := s.generator.Generate(ctx, domain.GenerationRequest{Messages: msgs, MaxTokens: s.maxTokens})
	if err != nil {
		return nil, &OracleError{Op: "generation", Err: err}
	}
	return &taggedStream{inner: stream}, nil
}

type taggedStream struct {
	inner domain.GenerationStream
}

func (t *taggedStream) Recv() (domain.GenerationChunk, error) {
	c, err := t.inner.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return c, &OracleError{Op: "generation", Err: err}
	}
	return c, err
}

func (t *taggedStream) Close() error {
	return t.inner.Close()
}

// citations derives sources from allowed hits in rank order, one per
// document page.
func citations(hits []domain.RetrievalHit) []domain.Source {
	type key struct {
		doc  string
		page int
	}
	seen := make(map[key]bool, len(hits))
	var out []domain.Source
	for _, h := range hits {
		src := domain.Source{
			Title:      hitTitle(h),
			Page:       hitPage(h),
			Relevance:  h.RelevanceScore,
			DocumentID: h.StorageURI,
			DomainCode: h.DomainCode,
		}
		k := key{doc: src.DocumentID, page: -1}
		if src.Page != nil {
			k.page = *src.Page
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, src)
	}
	return out
}

func hitPage(h domain.RetrievalHit) *int {
	raw, ok := h.SourceMetadata[domain.MetaPage]
	if !ok {
		return nil
	}
	var f float64
	if _, err := fmt.Sscan(raw, &f); err != nil || f < 0 {
		return nil
	}
	p := int(f)
	return &p
}

const unclassifiedName = "Documents outside any registered area"

// domainNames resolves codes to display names, keeping codes that have none.
func domainNames(codes []string, lookup func(string) (domain.ContentDomain, bool)) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		name := c
		if c == access.UnclassifiedDomain {
			name = unclassifiedName
		} else if d, ok := lookup(c); ok && d.DisplayName != "" {
			name = d.DisplayName
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
