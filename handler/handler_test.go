package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
	"kb-chat/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChat struct {
	in     usecase.ChatRequest
	events []domain.Event
	err    error
}

func (s *stubChat) Chat(_ context.Context, req usecase.ChatRequest, sink usecase.EventSink) error {
	s.in = req
	if s.err != nil {
		return s.err
	}
	for _, ev := range s.events {
		if err := sink.Send(ev); err != nil {
			return nil
		}
	}
	return nil
}

type stubHistory struct {
	caller   domain.Identity
	page     int
	pageSize int
	id       string
	title    string
	out      usecase.HistoryPage
	detail   usecase.ConversationDetail
	err      error
}

func (s *stubHistory) List(_ context.Context, caller domain.Identity, page, pageSize int) (usecase.HistoryPage, error) {
	s.caller, s.page, s.pageSize = caller, page, pageSize
	return s.out, s.err
}

func (s *stubHistory) Get(_ context.Context, caller domain.Identity, id string) (usecase.ConversationDetail, error) {
	s.caller, s.id = caller, id
	return s.detail, s.err
}

func (s *stubHistory) UpdateTitle(_ context.Context, caller domain.Identity, id, title string) (domain.Conversation, error) {
	s.caller, s.id, s.title = caller, id, title
	return domain.Conversation{ID: id, Title: title}, s.err
}

func (s *stubHistory) Delete(_ context.Context, caller domain.Identity, id string) error {
	s.caller, s.id = caller, id
	return s.err
}

type stubRegistry struct {
	caller  domain.Identity
	group   domain.AccessGroup
	domain  domain.ContentDomain
	code    string
	groups  []domain.AccessGroup
	domains []domain.ContentDomain
	err     error
}

func (s *stubRegistry) ListGroups(context.Context) ([]domain.AccessGroup, error) {
	return s.groups, s.err
}

func (s *stubRegistry) ListDomains(context.Context) ([]domain.ContentDomain, error) {
	return s.domains, s.err
}

func (s *stubRegistry) GetGroup(_ context.Context, code string) (domain.AccessGroup, error) {
	s.code = code
	return domain.AccessGroup{Code: code}, s.err
}

func (s *stubRegistry) GetDomain(_ context.Context, code string) (domain.ContentDomain, error) {
	s.code = code
	return domain.ContentDomain{Code: code}, s.err
}

func (s *stubRegistry) GroupDomains(_ context.Context, code string) (usecase.GroupDomains, error) {
	s.code = code
	return usecase.GroupDomains{GroupCode: code, Domains: s.domains}, s.err
}

func (s *stubRegistry) CreateGroup(_ context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error) {
	s.caller, s.group = caller, g
	return g, s.err
}

func (s *stubRegistry) UpdateGroup(_ context.Context, caller domain.Identity, g domain.AccessGroup) (domain.AccessGroup, error) {
	s.caller, s.group = caller, g
	return g, s.err
}

func (s *stubRegistry) DeleteGroup(_ context.Context, caller domain.Identity, code string) error {
	s.caller, s.code = caller, code
	return s.err
}

func (s *stubRegistry) CreateDomain(_ context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error) {
	s.caller, s.domain = caller, d
	return d, s.err
}

func (s *stubRegistry) UpdateDomain(_ context.Context, caller domain.Identity, d domain.ContentDomain) (domain.ContentDomain, error) {
	s.caller, s.domain = caller, d
	return d, s.err
}

func (s *stubRegistry) DeleteDomain(_ context.Context, caller domain.Identity, code string) error {
	s.caller, s.code = caller, code
	return s.err
}

type stubUpload struct {
	in  usecase.UploadRequest
	out usecase.UploadTicket
	err error
}

func (s *stubUpload) CreateUploadURL(_ context.Context, _ domain.Identity, req usecase.UploadRequest) (usecase.UploadTicket, error) {
	s.in = req
	return s.out, s.err
}

type fixture struct {
	h        *Handler
	chat     *stubChat
	history  *stubHistory
	registry *stubRegistry
	upload   *stubUpload
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{chat: &stubChat{}, history: &stubHistory{}, registry: &stubRegistry{}, upload: &stubUpload{}}
	h, err := NewHandler(Services{Chat: f.chat, History: f.history, Registry: f.registry, Upload: f.upload}, opts)
	require.NoError(t, err)
	f.h = h
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

var employee = map[string]string{
	"X-Corp-Id":     "C1",
	"X-Employee-Id": "E100",
	"X-User-Name":   "Kim",
	"X-Department":  "Sales",
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(Services{}, Options{})
	require.Error(t, err)

	_, err = NewHandler(Services{Chat: &stubChat{}}, Options{})
	require.Error(t, err)

	_, err = NewHandler(Services{Chat: &stubChat{}, History: &stubHistory{}}, Options{})
	require.Error(t, err)

	_, err = NewHandler(Services{Chat: &stubChat{}, History: &stubHistory{}, Registry: &stubRegistry{}}, Options{})
	require.NoError(t, err)
}

func TestHealthAndRoot(t *testing.T) {
	f := newFixture(t, Options{Version: "1.2.3"})

	rec := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", parseBody[map[string]any](t, rec.Body.String())["status"])

	rec = f.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := parseBody[map[string]any](t, rec.Body.String())
	require.Equal(t, "kb-chat", out["service"])
	require.Equal(t, "1.2.3", out["version"])
}

func TestCorrelationID_GeneratedWhenMissing(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/health", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestCorrelationID_UsesProvided_CaseInsensitive(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/health", "", map[string]string{"x-correlation-id": "corr-123"})
	require.Equal(t, "corr-123", rec.Header().Get("X-Correlation-Id"))
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(usecase.ErrorNotFound), out.Error)
	require.Equal(t, "/nope", out.Path)
}

func TestChat_StreamsEvents(t *testing.T) {
	f := newFixture(t, Options{})
	f.chat.events = []domain.Event{
		{Type: domain.EventStart, Data: domain.StartPayload{ConversationID: "c1", Timestamp: "t0"}},
		{Type: domain.EventToken, Data: domain.TokenPayload{Content: "Hello"}},
		{Type: domain.EventDone, Data: domain.DonePayload{TotalTokens: 3, FinishReason: "stop", DurationMs: 12}},
	}

	rec := f.do(http.MethodPost, "/chat", `{"message":"hi","groupCode":"G-OPS","conversationId":"c1"}`, employee)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.True(t, rec.Flushed)

	body := rec.Body.String()
	start := strings.Index(body, "event:start")
	token := strings.Index(body, "event:token")
	done := strings.Index(body, "event:done")
	require.True(t, start >= 0 && start < token && token < done, body)
	require.Contains(t, body, `"conversationId":"c1"`)
	require.Contains(t, body, `"content":"Hello"`)
	require.Contains(t, body, `"finishReason":"stop"`)

	require.Equal(t, "hi", f.chat.in.Message)
	require.Equal(t, "G-OPS", f.chat.in.GroupCode)
	require.Equal(t, "c1", f.chat.in.ConversationID)
	require.Equal(t, domain.Identity{CorpID: "C1", EmployeeID: "E100", Name: "Kim", Department: "Sales", Role: "user"}, f.chat.in.Caller)
}

func TestChat_InvalidBody(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/chat", `not-json`, employee)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(usecase.ErrorValidation), out.Error)
	require.Equal(t, "/chat", out.Path)
	require.NotEmpty(t, out.Timestamp)
}

func TestChat_MapsRejections(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: &usecase.Error{Code: usecase.ErrorValidation, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorValidation)},
		{name: "ownership", err: &usecase.Error{Code: usecase.ErrorOwnership, Reason: "not_owner"}, status: http.StatusForbidden, code: string(usecase.ErrorOwnership)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "conversation"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "dup"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "oracle", err: &usecase.Error{Code: usecase.ErrorOracle, Reason: "retrieval"}, status: http.StatusBadGateway, code: string(usecase.ErrorOracle)},
		{name: "persistence", err: &usecase.Error{Code: usecase.ErrorPersistence, Reason: "create_conversation", Err: errors.New("db down")}, status: http.StatusInternalServerError, code: string(usecase.ErrorPersistence)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.chat.err = tc.err

			rec := f.do(http.MethodPost, "/chat", `{"message":"hi","groupCode":"G-OPS"}`, employee)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, tc.code, out.Error)
			require.NotContains(t, out.Message, "db down")
			require.NotContains(t, out.Message, "boom")
		})
	}
}

func TestChat_ValidationMessageCarriesReason(t *testing.T) {
	f := newFixture(t, Options{})
	f.chat.err = &usecase.Error{Code: usecase.ErrorValidation, Reason: "message_too_long"}

	rec := f.do(http.MethodPost, "/chat", `{"message":"hi","groupCode":"G-OPS"}`, employee)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Contains(t, out.Message, "message_too_long")
}

func TestRegistryReads(t *testing.T) {
	f := newFixture(t, Options{})
	f.registry.groups = []domain.AccessGroup{{Code: "G-OPS", AllowedDomainCodes: []string{"HR"}}}
	f.registry.domains = []domain.ContentDomain{{Code: "HR", StoragePrefix: "hr/"}}

	rec := f.do(http.MethodGet, "/chat/group-codes", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := parseBody[map[string][]domain.AccessGroup](t, rec.Body.String())
	require.Equal(t, "G-OPS", groups["groupCodes"][0].Code)

	rec = f.do(http.MethodGet, "/chat/kb-domains", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	domains := parseBody[map[string][]domain.ContentDomain](t, rec.Body.String())
	require.Equal(t, "hr/", domains["kbDomains"][0].StoragePrefix)

	rec = f.do(http.MethodGet, "/chat/group-code/G-OPS/kb-domains", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "G-OPS", f.registry.code)
	out := parseBody[usecase.GroupDomains](t, rec.Body.String())
	require.Equal(t, "G-OPS", out.GroupCode)
	require.Len(t, out.Domains, 1)
}

func TestRegistryReads_UnknownGroup(t *testing.T) {
	f := newFixture(t, Options{})
	f.registry.err = &usecase.Error{Code: usecase.ErrorNotFound, Reason: "get_group"}

	rec := f.do(http.MethodGet, "/chat/group-code/NOPE/kb-domains", "", employee)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory_List(t *testing.T) {
	f := newFixture(t, Options{})
	f.history.out = usecase.HistoryPage{Total: 1, Page: 2, PageSize: 5, Conversations: []domain.Conversation{{ID: "c1"}}}

	rec := f.do(http.MethodGet, "/history?page=2&pageSize=5", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, f.history.page)
	require.Equal(t, 5, f.history.pageSize)
	require.Equal(t, "E100", f.history.caller.EmployeeID)

	out := parseBody[usecase.HistoryPage](t, rec.Body.String())
	require.Equal(t, 1, out.Total)
	require.Equal(t, "c1", out.Conversations[0].ID)
}

func TestHistory_ListDefaultsAndBadQuery(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/history", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, f.history.page)
	require.Zero(t, f.history.pageSize)

	rec = f.do(http.MethodGet, "/history?page=abc", "", employee)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/history?pageSize=x", "", employee)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_GetUpdateDelete(t *testing.T) {
	f := newFixture(t, Options{})
	f.history.detail = usecase.ConversationDetail{
		Conversation: domain.Conversation{ID: "c1", Title: "t"},
		Messages:     []domain.Message{{ID: 1, Role: domain.RoleUser, Content: "hi"}},
	}

	rec := f.do(http.MethodGet, "/history/c1", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := parseBody[usecase.ConversationDetail](t, rec.Body.String())
	require.Equal(t, "c1", detail.ID)
	require.Len(t, detail.Messages, 1)

	rec = f.do(http.MethodPut, "/history/c1/title", `{"title":"Renamed"}`, employee)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Renamed", f.history.title)
	updated := parseBody[map[string]any](t, rec.Body.String())
	require.Equal(t, "c1", updated["conversationId"])
	require.Equal(t, "Renamed", updated["title"])

	rec = f.do(http.MethodDelete, "/history/c1", "", employee)
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := parseBody[map[string]any](t, rec.Body.String())
	require.Equal(t, true, deleted["deleted"])
}

func TestHistory_NotOwner(t *testing.T) {
	f := newFixture(t, Options{})
	f.history.err = &usecase.Error{Code: usecase.ErrorOwnership, Reason: "not_owner"}

	rec := f.do(http.MethodDelete, "/history/c1", "", employee)
	require.Equal(t, http.StatusForbidden, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(usecase.ErrorOwnership), out.Error)
	require.Equal(t, "/history/c1", out.Path)
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/admin/group-codes", "", employee)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, string(usecase.ErrorForbidden), parseBody[errorResponse](t, rec.Body.String()).Error)

	withRole := map[string]string{"X-Employee-Id": "E1", "X-Role": "ADMIN"}
	rec = f.do(http.MethodGet, "/admin/group-codes", "", withRole)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_TrustedPathElevates(t *testing.T) {
	f := newFixture(t, Options{Identity: IdentityOptions{AdminPathTrusted: true}})

	rec := f.do(http.MethodPost, "/admin/group-codes", `{"code":"G-NEW","allowedDomainCodes":["HR"],"description":"new"}`, employee)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, f.registry.caller.IsAdmin())
	require.Equal(t, "G-NEW", f.registry.group.Code)
	require.Equal(t, []string{"HR"}, f.registry.group.AllowedDomainCodes)

	// Elevation is limited to the admin path.
	f.do(http.MethodPost, "/chat", `{"message":"hi","groupCode":"G-OPS"}`, employee)
	require.False(t, f.chat.in.Caller.IsAdmin())
}

func TestAdmin_UpdateUsesPathCode(t *testing.T) {
	f := newFixture(t, Options{Identity: IdentityOptions{AdminPathTrusted: true}})

	rec := f.do(http.MethodPut, "/admin/kb-domains/HR", `{"code":"OTHER","displayName":"People","storagePrefix":"hr"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "HR", f.registry.domain.Code)
	require.Equal(t, "People", f.registry.domain.DisplayName)

	rec = f.do(http.MethodPut, "/admin/group-codes/G-OPS", `{"allowedDomainCodes":["HR","LEGAL"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "G-OPS", f.registry.group.Code)
}

func TestAdmin_DomainLifecycle(t *testing.T) {
	f := newFixture(t, Options{Identity: IdentityOptions{AdminPathTrusted: true}})

	rec := f.do(http.MethodPost, "/admin/kb-domains", `{"code":"FIN","displayName":"Finance","storagePrefix":"fin/"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "FIN", f.registry.domain.Code)

	rec = f.do(http.MethodGet, "/admin/kb-domains/FIN", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "FIN", f.registry.code)

	f.registry.err = &usecase.Error{Code: usecase.ErrorConflict, Reason: "domain_in_use"}
	rec = f.do(http.MethodDelete, "/admin/kb-domains/FIN", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, parseBody[errorResponse](t, rec.Body.String()).Message, "domain_in_use")

	f.registry.err = nil
	rec = f.do(http.MethodDelete, "/admin/group-codes/G-OPS", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "G-OPS", f.registry.code)
}

func TestAdmin_UploadURL(t *testing.T) {
	f := newFixture(t, Options{Identity: IdentityOptions{AdminPathTrusted: true}})
	f.upload.out = usecase.UploadTicket{
		PresignedUpload: domain.PresignedUpload{URL: "https://bucket/key", Method: http.MethodPut, Key: "uploads/u1/a.pdf", ExpiresAt: time.Unix(0, 0).UTC()},
		UploadID:        "u1",
	}

	rec := f.do(http.MethodPost, "/admin/upload-url", `{"filename":"a.pdf","contentType":"application/pdf","fileSize":10}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, usecase.UploadRequest{Filename: "a.pdf", ContentType: "application/pdf", FileSize: 10}, f.upload.in)
	out := parseBody[map[string]any](t, rec.Body.String())
	require.Equal(t, "https://bucket/key", out["uploadUrl"])
	require.Equal(t, "u1", out["uploadId"])
}

func TestAdmin_UploadRouteAbsentWithoutService(t *testing.T) {
	h, err := NewHandler(Services{Chat: &stubChat{}, History: &stubHistory{}, Registry: &stubRegistry{}}, Options{Identity: IdentityOptions{AdminPathTrusted: true}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/upload-url", strings.NewReader(`{"filename":"a.pdf"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{CORSOrigin: "https://portal.example.com"})

	rec := f.do(http.MethodOptions, "/chat", "", map[string]string{"Origin": "https://portal.example.com"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	off := newFixture(t, Options{})
	rec = off.do(http.MethodGet, "/health", "", nil)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	f := newFixture(t, Options{})
	f.h.engine.GET("/panic", func(*gin.Context) { panic("kaboom") })

	rec := f.do(http.MethodGet, "/panic", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(usecase.ErrorInternal), out.Error)
	require.NotContains(t, out.Message, "kaboom")
}
