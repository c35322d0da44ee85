package handler

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
)

func urlEvent(method, path, body string) events.LambdaFunctionURLRequest {
	ev := events.LambdaFunctionURLRequest{
		RawPath: path,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    body,
	}
	ev.RequestContext.HTTP.Method = method
	ev.RequestContext.HTTP.SourceIP = "10.0.0.1"
	ev.RequestContext.DomainName = "abc.lambda-url.ap-northeast-2.on.aws"
	return ev
}

func TestNewLambdaAdapter_ValidatesDependency(t *testing.T) {
	_, err := NewLambdaAdapter(nil)
	require.Error(t, err)
}

func TestLambdaAdapter_TranslatesRequestAndResponse(t *testing.T) {
	var got *http.Request
	var gotBody string
	a, err := NewLambdaAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		http.SetCookie(w, &http.Cookie{Name: "seen", Value: "1"})
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	require.NoError(t, err)

	ev := urlEvent(http.MethodPost, "/admin/kb-domains", base64.StdEncoding.EncodeToString([]byte(`{"code":"HR"}`)))
	ev.IsBase64Encoded = true
	ev.RawQueryString = "page=2"
	ev.Cookies = []string{"sso_token=abc"}

	resp, err := a.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "a, b", resp.Headers["X-Multi"])
	require.Equal(t, []string{"seen=1"}, resp.Cookies)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "created", string(body))

	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "/admin/kb-domains", got.URL.Path)
	require.Equal(t, "2", got.URL.Query().Get("page"))
	require.Equal(t, `{"code":"HR"}`, gotBody)
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, "10.0.0.1", got.RemoteAddr)
	ck, err := got.Cookie("sso_token")
	require.NoError(t, err)
	require.Equal(t, "abc", ck.Value)
}

func TestLambdaAdapter_DefaultsToOKWhenNothingWritten(t *testing.T) {
	a, err := NewLambdaAdapter(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	require.NoError(t, err)

	resp, err := a.Handle(context.Background(), urlEvent(http.MethodGet, "", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestLambdaAdapter_BadBase64(t *testing.T) {
	a, err := NewLambdaAdapter(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	require.NoError(t, err)

	ev := urlEvent(http.MethodPost, "/chat", "%%%")
	ev.IsBase64Encoded = true
	_, err = a.Handle(context.Background(), ev)
	require.Error(t, err)
}

func TestLambdaAdapter_PanicBecomesBodyError(t *testing.T) {
	a, err := NewLambdaAdapter(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	require.NoError(t, err)

	resp, err := a.Handle(context.Background(), urlEvent(http.MethodGet, "/", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	require.ErrorContains(t, err, "panic")
}

func TestLambdaAdapter_StreamsChat(t *testing.T) {
	f := newFixture(t, Options{})
	f.chat.events = []domain.Event{
		{Type: domain.EventStart, Data: domain.StartPayload{ConversationID: "c1"}},
		{Type: domain.EventDone, Data: domain.DonePayload{FinishReason: "stop"}},
	}
	a, err := NewLambdaAdapter(f.h)
	require.NoError(t, err)

	ev := urlEvent(http.MethodPost, "/chat", `{"message":"hi","groupCode":"G-OPS"}`)
	ev.Headers["x-employee-id"] = "E100"

	resp, err := a.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "event:start")
	require.Contains(t, string(body), "event:done")
	require.Equal(t, "E100", f.chat.in.Caller.EmployeeID)
}
