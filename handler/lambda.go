package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaAdapter serves an http.Handler from a Lambda function URL configured
// for response streaming. The response is returned as soon as the handler
// commits its status line; the body keeps streaming through a pipe until the
// handler returns.
type LambdaAdapter struct {
	h http.Handler
}

func NewLambdaAdapter(h http.Handler) (*LambdaAdapter, error) {
	if h == nil {
		return nil, errors.New("handler: http handler must not be nil")
	}
	return &LambdaAdapter{h: h}, nil
}

func (a *LambdaAdapter) Handle(ctx context.Context, ev events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req, err := toHTTPRequest(ctx, ev)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	w := newStreamWriter(pw)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.WriteHeader(http.StatusInternalServerError)
				pw.CloseWithError(fmt.Errorf("handler: panic: %v", rec))
			}
		}()
		a.h.ServeHTTP(w, req)
		w.WriteHeader(http.StatusOK)
		pw.Close()
	}()

	select {
	case <-w.ready:
	case <-ctx.Done():
		pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	headers, cookies := flattenHeaders(w.committed)
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    headers,
		Body:       pr,
		Cookies:    cookies,
	}, nil
}

func toHTTPRequest(ctx context.Context, ev events.LambdaFunctionURLRequest) (*http.Request, error) {
	var body io.Reader = strings.NewReader(ev.Body)
	if ev.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target := ev.RawPath
	if target == "" {
		target = "/"
	}
	if ev.RawQueryString != "" {
		target += "?" + ev.RawQueryString
	}
	method := ev.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range ev.Cookies {
		req.Header.Add("Cookie", c)
	}
	req.Host = ev.RequestContext.DomainName
	req.RemoteAddr = ev.RequestContext.HTTP.SourceIP
	return req, nil
}

// flattenHeaders joins repeated values and moves Set-Cookie into the cookie
// list, which is how function URLs expect them.
func flattenHeaders(h http.Header) (map[string]string, []string) {
	out := make(map[string]string, len(h))
	var cookies []string
	for k, vs := range h {
		if http.CanonicalHeaderKey(k) == "Set-Cookie" {
			cookies = append(cookies, vs...)
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out, cookies
}

// streamWriter is an http.ResponseWriter whose status and headers are fixed
// at the first WriteHeader, Write or Flush.
type streamWriter struct {
	header    http.Header
	body      *io.PipeWriter
	once      sync.Once
	ready     chan struct{}
	status    int
	committed http.Header
}

func newStreamWriter(body *io.PipeWriter) *streamWriter {
	return &streamWriter{header: http.Header{}, body: body, ready: make(chan struct{})}
}

func (w *streamWriter) Header() http.Header {
	return w.header
}

func (w *streamWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		w.committed = w.header.Clone()
		close(w.ready)
	})
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

// Flush commits the headers. Bytes already written have been handed to the
// pipe reader, so there is nothing else to push.
func (w *streamWriter) Flush() {
	w.WriteHeader(http.StatusOK)
}
