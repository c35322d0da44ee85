package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"kb-chat/internal/domain"
)

const (
	DefaultNumberOfResults = 10

	metaSourceURI  = "x-amz-bedrock-kb-source-uri"
	metaPageNumber = "x-amz-bedrock-kb-document-page-number"
)

// retrieveAPI is the minimal Bedrock agent runtime interface required by
// Retriever. *bedrockagentruntime.Client satisfies it.
type retrieveAPI interface {
	Retrieve(ctx context.Context, in *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// Retriever queries a Bedrock knowledge base.
type Retriever struct {
	api             retrieveAPI
	knowledgeBaseID string
	numberOfResults int32
}

func NewRetriever(api retrieveAPI, knowledgeBaseID string, numberOfResults int) (*Retriever, error) {
	if api == nil {
		return nil, errors.New("bedrock: retrieve api must not be nil")
	}
	knowledgeBaseID = strings.TrimSpace(knowledgeBaseID)
	if knowledgeBaseID == "" {
		return nil, errors.New("bedrock: knowledge base id must not be empty")
	}
	if numberOfResults <= 0 {
		numberOfResults = DefaultNumberOfResults
	}
	return &Retriever{api: api, knowledgeBaseID: knowledgeBaseID, numberOfResults: int32(numberOfResults)}, nil
}

// Search runs one retrieval and returns the hits in rank order.
func (r *Retriever) Search(ctx context.Context, query string) ([]domain.RetrievalHit, error) {
	out, err := r.api.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(r.knowledgeBaseID),
		RetrievalQuery:  &types.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(r.numberOfResults),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: retrieve: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	hits := make([]domain.RetrievalHit, 0, len(out.RetrievalResults))
	for _, res := range out.RetrievalResults {
		hits = append(hits, toHit(res))
	}
	return hits, nil
}

func toHit(res types.KnowledgeBaseRetrievalResult) domain.RetrievalHit {
	hit := domain.RetrievalHit{
		RelevanceScore: res.Score,
		SourceMetadata: metadataStrings(res.Metadata),
	}
	if res.Content != nil {
		hit.ContentSnippet = aws.ToString(res.Content.Text)
	}
	if res.Location != nil && res.Location.S3Location != nil {
		hit.StorageURI = aws.ToString(res.Location.S3Location.Uri)
	}
	if hit.StorageURI == "" {
		hit.StorageURI = hit.SourceMetadata[metaSourceURI]
	}
	if page, ok := hit.SourceMetadata[metaPageNumber]; ok {
		hit.SourceMetadata[domain.MetaPage] = page
	}
	return hit
}

type smithyUnmarshaler interface {
	UnmarshalSmithyDocument(v interface{}) error
}

// metadataStrings flattens scalar metadata values to strings. Non-scalar
// values are dropped.
func metadataStrings[D smithyUnmarshaler](in map[string]D) map[string]string {
	out := make(map[string]string, len(in))
	for k, doc := range in {
		var s string
		if err := doc.UnmarshalSmithyDocument(&s); err == nil {
			out[k] = s
			continue
		}
		var n float64
		if err := doc.UnmarshalSmithyDocument(&n); err == nil {
			out[k] = strconv.FormatFloat(n, 'f', -1, 64)
		}
	}
	return out
}
