package domain

// RetrievalHit is one candidate evidence snippet returned by the retrieval
// oracle. It lives only for the duration of a turn.
type RetrievalHit struct {
	StorageURI     string
	ContentSnippet string
	DomainCode     string
	RelevanceScore *float64
	SourceMetadata map[string]string
}

// Well-known SourceMetadata keys.
const (
	MetaTitle = "title"
	MetaPage  = "page"
)
