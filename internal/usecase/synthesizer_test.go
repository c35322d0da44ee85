package usecase

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
)

func TestSynthesizer_TagsOracleErrors(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("kb unavailable")}
	gen := &fakeGenerator{failAfter: 1, chunks: []domain.GenerationChunk{{Text: "a"}}, streamErr: errors.New("reset")}
	s, err := NewSynthesizer(ret, gen, 512)
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "q")
	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "retrieval", oe.Op)

	stream, err := s.Synthesize(context.Background(), SynthesisInput{Query: "q"})
	require.NoError(t, err)
	require.Equal(t, 512, gen.req.MaxTokens)

	c, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "a", c.Text)
	_, err = stream.Recv()
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "generation", oe.Op)
	require.NoError(t, stream.Close())
	require.True(t, gen.streams[0].closed)
}

func TestSynthesizer_EOFIsNotAnError(t *testing.T) {
	gen := &fakeGenerator{failAfter: -1}
	s, err := NewSynthesizer(&fakeRetriever{}, gen, 0)
	require.NoError(t, err)
	stream, err := s.Synthesize(context.Background(), SynthesisInput{Query: "q"})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)
	var oe *OracleError
	require.False(t, errors.As(err, &oe))
}

func TestCitations(t *testing.T) {
	score := 0.91
	hits := []domain.RetrievalHit{
		{StorageURI: "s3://kb/hr/a.pdf", DomainCode: "HR", RelevanceScore: &score,
			SourceMetadata: map[string]string{domain.MetaTitle: "Leave", domain.MetaPage: "3"}},
		{StorageURI: "s3://kb/hr/a.pdf", DomainCode: "HR", SourceMetadata: map[string]string{domain.MetaPage: "3.0"}},
		{StorageURI: "s3://kb/hr/a.pdf", DomainCode: "HR", SourceMetadata: map[string]string{domain.MetaPage: "4"}},
		{StorageURI: "s3://kb/hr/b.pdf", DomainCode: "HR"},
	}
	src := citations(hits)
	require.Len(t, src, 3)
	require.Equal(t, "Leave", src[0].Title)
	require.Equal(t, 3, *src[0].Page)
	require.InDelta(t, 0.91, *src[0].Relevance, 1e-9)
	require.Equal(t, 4, *src[1].Page)
	require.Nil(t, src[2].Page)
	require.Equal(t, "b.pdf", src[2].Title)
}

func TestNewSynthesizer_NilDeps(t *testing.T) {
	_, err := NewSynthesizer(nil, &fakeGenerator{}, 0)
	require.Error(t, err)
	_, err = NewSynthesizer(&fakeRetriever{}, nil, 0)
	require.Error(t, err)
}
