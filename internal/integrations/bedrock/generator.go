package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"kb-chat/internal/domain"
)

const DefaultMaxTokens = 4096

// converseAPI is the minimal Bedrock runtime interface required by Generator.
type converseAPI interface {
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// eventReader is the read side of a ConverseStream event stream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// Generator streams completions through the Bedrock Converse API.
type Generator struct {
	modelID   string
	maxTokens int32
	open      func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error)
}

func NewGenerator(api converseAPI, modelID string, maxTokens int) (*Generator, error) {
	if api == nil {
		return nil, errors.New("bedrock: converse api must not be nil")
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, errors.New("bedrock: model id must not be empty")
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Generator{
		modelID:   modelID,
		maxTokens: int32(maxTokens),
		open: func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error) {
			out, err := api.ConverseStream(ctx, in)
			if err != nil {
				return nil, err
			}
			return out.GetStream(), nil
		},
	}, nil
}

func (g *Generator) ModelID() string {
	return g.modelID
}

// Generate opens a stream. The caller must Close it.
func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationStream, error) {
	in := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(g.modelID),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(g.maxTokens)},
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	for _, m := range req.Messages {
		if m.Role == domain.ChatRoleSystem {
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		in.Messages = append(in.Messages, types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(in.Messages) == 0 {
		return nil, errors.New("bedrock: generation request has no user message")
	}

	r, err := g.open(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}
	return &Stream{ctx: ctx, reader: r}, nil
}

// Stream adapts a ConverseStream event stream to sequential Recv calls.
type Stream struct {
	ctx    context.Context
	reader eventReader
}

// Recv returns the next text delta, stop reason or usage frame. It returns
// io.EOF once the stream ends cleanly.
func (s *Stream) Recv() (domain.GenerationChunk, error) {
	for {
		select {
		case <-s.ctx.Done():
			return domain.GenerationChunk{}, s.ctx.Err()
		case ev, ok := <-s.reader.Events():
			if !ok {
				if err := s.reader.Err(); err != nil {
					return domain.GenerationChunk{}, fmt.Errorf("bedrock: stream: %w", err)
				}
				return domain.GenerationChunk{}, io.EOF
			}
			if chunk, ok := toChunk(ev); ok {
				return chunk, nil
			}
		}
	}
}

func (s *Stream) Close() error {
	return s.reader.Close()
}

func toChunk(ev types.ConverseStreamOutput) (domain.GenerationChunk, bool) {
	switch v := ev.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
			return domain.GenerationChunk{Text: d.Value}, true
		}
	case *types.ConverseStreamOutputMemberMessageStop:
		return domain.GenerationChunk{FinishReason: string(v.Value.StopReason)}, true
	case *types.ConverseStreamOutputMemberMetadata:
		if u := v.Value.Usage; u != nil {
			return domain.GenerationChunk{Usage: &domain.Usage{
				InputTokens:  int(aws.ToInt32(u.InputTokens)),
				OutputTokens: int(aws.ToInt32(u.OutputTokens)),
				TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
			}}, true
		}
	}
	return domain.GenerationChunk{}, false
}
