package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"kb-chat/internal/domain"
)

const DefaultURLTTL = time.Hour

// presignAPI is satisfied by *s3.PresignClient.
type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Presigner struct {
	api    presignAPI
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

func NewPresigner(api presignAPI, bucket string, ttl time.Duration) (*Presigner, error) {
	if api == nil {
		return nil, errors.New("objectstore: api must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Presigner{api: api, bucket: bucket, ttl: ttl, now: time.Now}, nil
}

// PresignPut signs an upload of key with the given content type.
func (p *Presigner) PresignPut(ctx context.Context, key, contentType string) (domain.PresignedUpload, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return domain.PresignedUpload{}, errors.New("objectstore: key is required")
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	issued := p.now()
	req, err := p.api.PresignPutObject(ctx, in, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return domain.PresignedUpload{}, fmt.Errorf("objectstore: PresignPutObject: %w", err)
	}
	if req == nil || req.URL == "" {
		return domain.PresignedUpload{}, errors.New("objectstore: empty presigned url")
	}
	method := req.Method
	if method == "" {
		method = http.MethodPut
	}
	return domain.PresignedUpload{
		URL:       req.URL,
		Method:    method,
		Headers:   req.SignedHeader,
		Bucket:    p.bucket,
		Key:       key,
		ExpiresAt: issued.Add(p.ttl),
	}, nil
}
