package usecase

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kb-chat/internal/domain"
	"kb-chat/internal/repository"
)

type memStore struct {
	mu     sync.Mutex
	convs  map[string]domain.Conversation
	msgs   map[string][]domain.Message
	nextID int64

	createErr error
	getErr    error
	listErr   error
	appendErr map[domain.Role]error
	removeErr error
	removes   int
	deleteErr error
	deletes   int
}

func newMemStore() *memStore {
	return &memStore{
		convs:     make(map[string]domain.Conversation),
		msgs:      make(map[string][]domain.Message),
		appendErr: make(map[domain.Role]error),
	}
}

func (m *memStore) seed(conv domain.Conversation, msgs ...domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range msgs {
		m.nextID++
		msgs[i].ID = m.nextID
		msgs[i].ConversationID = conv.ID
	}
	conv.MessageCount = len(msgs)
	m.convs[conv.ID] = conv
	m.msgs[conv.ID] = msgs
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.convs[conv.ID]; ok {
		return domain.ErrConflict
	}
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Conversation{}, m.getErr
	}
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListConversations(_ context.Context, employeeID string, offset, limit int) ([]domain.Conversation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var owned []domain.Conversation
	for _, c := range m.convs {
		if c.EmployeeID == employeeID {
			owned = append(owned, c)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].UpdatedAt.After(owned[j].UpdatedAt) })
	total := len(owned)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return owned[offset:end], total, nil
}

func (m *memStore) ListMessages(_ context.Context, id string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[id]...), nil
}

func (m *memStore) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.appendErr[msg.Role]; err != nil {
		return domain.Message{}, err
	}
	c, ok := m.convs[msg.ConversationID]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	m.nextID++
	msg.ID = m.nextID
	m.msgs[msg.ConversationID] = append(m.msgs[msg.ConversationID], msg)
	c.MessageCount++
	m.convs[c.ID] = c
	return msg, nil
}

func (m *memStore) RemoveLastMessage(_ context.Context, id string, role domain.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	if m.removeErr != nil {
		return false, m.removeErr
	}
	msgs := m.msgs[id]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != role {
			continue
		}
		m.msgs[id] = append(msgs[:i:i], msgs[i+1:]...)
		c := m.convs[id]
		if c.MessageCount > 0 {
			c.MessageCount--
		}
		m.convs[id] = c
		return true, nil
	}
	return false, nil
}

func (m *memStore) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Title = title
	m.convs[id] = c
	return nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes++
	if _, ok := m.convs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.convs, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStore) conversations() []domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out
}

func (m *memStore) messages(id string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.msgs[id]...)
}

type fakeRetriever struct {
	hits  []domain.RetrievalHit
	err   error
	block bool
	calls int
	query string
}

func (r *fakeRetriever) Search(ctx context.Context, query string) ([]domain.RetrievalHit, error) {
	r.calls++
	r.query = query
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.hits, r.err
}

type fakeGenerator struct {
	chunks    []domain.GenerationChunk
	failAfter int
	streamErr error
	genErr    error
	block     bool
	panics    bool

	calls   int
	req     domain.GenerationRequest
	streams []*fakeStream
}

func (g *fakeGenerator) ModelID() string { return "test-model" }

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationStream, error) {
	g.calls++
	g.req = req
	if g.panics {
		panic("generator exploded")
	}
	if g.genErr != nil {
		return nil, g.genErr
	}
	s := &fakeStream{ctx: ctx, g: g}
	g.streams = append(g.streams, s)
	return s, nil
}

func (g *fakeGenerator) systemPrompt() string {
	for _, m := range g.req.Messages {
		if m.Role == domain.ChatRoleSystem {
			return m.Content
		}
	}
	return ""
}

type fakeStream struct {
	ctx    context.Context
	g      *fakeGenerator
	idx    int
	closed bool
}

func (s *fakeStream) Recv() (domain.GenerationChunk, error) {
	if s.g.streamErr != nil && s.idx == s.g.failAfter {
		return domain.GenerationChunk{}, s.g.streamErr
	}
	if s.idx < len(s.g.chunks) {
		c := s.g.chunks[s.idx]
		s.idx++
		return c, nil
	}
	if s.g.block {
		<-s.ctx.Done()
		return domain.GenerationChunk{}, s.ctx.Err()
	}
	return domain.GenerationChunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

var errSinkClosed = errors.New("sink closed")

type recSink struct {
	events    []domain.Event
	failAfter int
	onEvent   func(domain.Event)
}

func newRecSink() *recSink { return &recSink{failAfter: -1} }

func (s *recSink) Send(ev domain.Event) error {
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return errSinkClosed
	}
	s.events = append(s.events, ev)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func (s *recSink) types() []domain.EventType {
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recSink) tokens() []string {
	var out []string
	for _, ev := range s.events {
		if ev.Type == domain.EventToken {
			out = append(out, ev.Data.(domain.TokenPayload).Content)
		}
	}
	return out
}

func (s *recSink) last() domain.Event {
	return s.events[len(s.events)-1]
}

func testSeed() repository.RegistrySeed {
	return repository.RegistrySeed{
		Domains: []domain.ContentDomain{
			{Code: "HR", DisplayName: "Human Resources", StoragePrefix: "hr/", HasIndexedContent: true},
			{Code: "LEGAL", DisplayName: "Legal", StoragePrefix: "legal/", HasIndexedContent: true},
		},
		Groups: []domain.AccessGroup{
			{Code: "G-OPS", AllowedDomainCodes: []string{"HR"}},
			{Code: "G-ALL", AllowedDomainCodes: []string{"HR", "LEGAL"}},
		},
	}
}

func testCaller() domain.Identity {
	return domain.Identity{CorpID: "1000", EmployeeID: "E100", Name: "Kim", Department: "Operations"}
}

func hit(uri, snippet string) domain.RetrievalHit {
	score := 0.8
	return domain.RetrievalHit{StorageURI: uri, ContentSnippet: snippet, RelevanceScore: &score, SourceMetadata: map[string]string{}}
}

type chatFixture struct {
	svc   *ChatService
	store *memStore
	ret   *fakeRetriever
	gen   *fakeGenerator
}

func newChatFixture(t *testing.T, seed repository.RegistrySeed, opts ChatOptions) *chatFixture {
	t.Helper()
	reg, err := repository.NewMemoryRegistry(seed)
	require.NoError(t, err)
	f := &chatFixture{
		store: newMemStore(),
		ret:   &fakeRetriever{},
		gen:   &fakeGenerator{failAfter: -1},
	}
	synth, err := NewSynthesizer(f.ret, f.gen, 1024)
	require.NoError(t, err)
	f.svc, err = NewChatService(f.store, reg, synth, opts, nil)
	require.NoError(t, err)
	f.svc.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return f
}
