package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kb-chat/internal/access"
	"kb-chat/internal/domain"
	"kb-chat/internal/logging"
)

const (
	defaultMaxMessageLength  = 4000
	defaultChunkSize         = 10
	defaultRetrievalTimeout  = 15 * time.Second
	defaultGenerationTimeout = 120 * time.Second
	defaultPersistTimeout    = 10 * time.Second
	logMessageRunes          = 100

	templateModel   = "template"
	finishStop      = "stop"
	finishBlocked   = "permission_denied"
	finishNoResults = "no_results"
)

const (
	msgInternal      = "An internal error occurred. Please try again."
	msgPersistence   = "Your message could not be saved. Please try again."
	msgConfiguration = "Access configuration is inconsistent. Please contact an administrator."
	msgCancelled     = "The request was cancelled."
	msgOracleTimeout = "The answer service did not respond in time. Please try again."
	msgOracleBusy    = "The answer service is busy. Please try again shortly."
	msgGeneration    = "The answer could not be generated. Please try again."
	msgRetrieval     = "Document search is temporarily unavailable. Please try again."
)

// ConversationStore persists conversations and messages. AppendMessage and
// RemoveLastMessage update the message count and updated-at atomically with
// the message itself.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, employeeID string, offset, limit int) ([]domain.Conversation, int, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	RemoveLastMessage(ctx context.Context, conversationID string, role domain.Role) (bool, error)
	UpdateTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
}

type ChatOptions struct {
	MaxMessageLength int
	ChunkSize        int
	// ChunkDelay paces token events. Zero disables pacing.
	ChunkDelay        time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
	UnmatchedPolicy   access.UnmatchedPolicy
}

func (o ChatOptions) withDefaults() ChatOptions {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = defaultMaxMessageLength
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
	if o.RetrievalTimeout <= 0 {
		o.RetrievalTimeout = defaultRetrievalTimeout
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = defaultGenerationTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = defaultPersistTimeout
	}
	if o.UnmatchedPolicy == "" {
		o.UnmatchedPolicy = access.UnmatchedAllow
	}
	return o
}

type ChatRequest struct {
	Message        string
	ConversationID string
	GroupCode      string
	Caller         domain.Identity
}

// ChatService runs chat turns: retrieve, filter, generate, persist.
type ChatService struct {
	store    ConversationStore
	registry access.Registry
	resolver *access.Resolver
	synth    *Synthesizer
	opts     ChatOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewChatService(store ConversationStore, registry access.Registry, synth *Synthesizer, opts ChatOptions, logger *zap.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	if synth == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	logger = logging.OrNop(logger)
	resolver, err := access.NewResolver(registry, logger)
	if err != nil {
		return nil, fmt.Errorf("usecase: %w", err)
	}
	return &ChatService{
		store:    store,
		registry: registry,
		resolver: resolver,
		synth:    synth,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Chat runs one turn and writes its events to sink. It returns an error only
// when the turn is rejected before the first event; every later failure is
// reported as an error event and Chat returns nil.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest, sink EventSink) error {
	if sink == nil {
		return newError(ErrorInternal, "nil_event_sink", nil)
	}
	began := s.now()
	message := strings.TrimSpace(req.Message)
	if err := s.validate(req, message); err != nil {
		return err
	}
	conv, created, err := s.openConversation(ctx, req, message)
	if err != nil {
		return err
	}
	saga := NewTurnSaga(s.store, conv.ID)
	if created {
		saga.MarkCreated()
	}

	t := &turn{
		svc:     s,
		req:     req,
		message: message,
		conv:    conv,
		began:   began,
		em:      newEmitter(sink, s.now),
		saga:    saga,
		logger: s.logger.With(
			zap.String("conversation_id", conv.ID),
			zap.String("employee_id", req.Caller.EmployeeID),
			zap.String("group_code", req.GroupCode),
		),
	}
	t.run(ctx)
	return nil
}

func (s *ChatService) validate(req ChatRequest, message string) error {
	if message == "" {
		return newError(ErrorValidation, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.opts.MaxMessageLength {
		return newError(ErrorValidation, "message_too_long", nil)
	}
	if strings.TrimSpace(req.GroupCode) == "" {
		return newError(ErrorValidation, "missing_group_code", nil)
	}
	if strings.TrimSpace(req.Caller.EmployeeID) == "" {
		return newError(ErrorValidation, "missing_caller_identity", nil)
	}
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return newError(ErrorValidation, "invalid_conversation_id", err)
		}
		return nil
	}
	c := req.Caller
	if strings.TrimSpace(c.CorpID) == "" || strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Department) == "" {
		return newError(ErrorValidation, "incomplete_caller_identity", nil)
	}
	return nil
}

// openConversation reuses an owned conversation or creates one, so the id in
// the start event always refers to a stored row. created reports the latter.
func (s *ChatService) openConversation(ctx context.Context, req ChatRequest, message string) (domain.Conversation, bool, error) {
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		conv, err := loadOwned(ctx, s.store, id, req.Caller.EmployeeID)
		return conv, false, err
	}
	now := s.now().UTC()
	conv := domain.Conversation{
		ID:         newUUID(),
		CorpID:     req.Caller.CorpID,
		EmployeeID: req.Caller.EmployeeID,
		UserName:   req.Caller.Name,
		Department: req.Caller.Department,
		Title:      titleFromMessage(message),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, false, newError(ErrorPersistence, "create_conversation", err)
	}
	return conv, true, nil
}

func (s *ChatService) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
}

// turn is the per-request state of one Chat call.
type turn struct {
	svc     *ChatService
	req     ChatRequest
	message string
	conv    domain.Conversation
	began   time.Time
	em      *emitter
	saga    *TurnSaga
	logger  *zap.Logger

	classifier *access.Classifier
}

func (t *turn) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.fail(ctx, ErrorInternal, msgInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	if !t.em.start(t.conv.ID) {
		t.logger.Info("caller left before start event")
		t.compensate(ctx)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, t.svc.opts.RetrievalTimeout)
	hits, err := t.svc.synth.Search(rctx, t.message)
	cancel()
	if err != nil {
		t.failOracle(ctx, err)
		return
	}

	res, scope, ok := t.filter(ctx, hits)
	if !ok {
		return
	}

	switch {
	case len(hits) == 0:
		t.templated(ctx, noResultsMessage(), finishNoResults)
	case len(res.Allowed) == 0:
		t.templated(ctx, blockedMessage(t.domainNames(res.BlockedDomains)), finishBlocked)
	default:
		t.synthesize(ctx, res, scope)
	}
}

func (t *turn) filter(ctx context.Context, hits []domain.RetrievalHit) (access.FilterResult, access.Scope, bool) {
	scope, err := t.svc.resolver.Resolve(ctx, t.req.GroupCode)
	if err != nil {
		t.failRegistry(ctx, err)
		return access.FilterResult{}, access.Scope{}, false
	}
	if scope.Status == access.ScopeUnknownGroup {
		t.logger.Warn("turn scoped to unknown access group; all evidence withheld",
			zap.String("error_kind", string(ErrorUnknownAccessGroup)))
	}

	domains, err := t.svc.registry.ListDomains(ctx)
	if err != nil {
		t.failRegistry(ctx, err)
		return access.FilterResult{}, access.Scope{}, false
	}
	classifier := access.NewClassifier(domains)
	t.classifier = classifier

	res, err := access.NewFilter(classifier, t.svc.opts.UnmatchedPolicy, t.logger).Apply(hits, scope.Prefixes)
	if err != nil {
		t.failRegistry(ctx, err)
		return access.FilterResult{}, access.Scope{}, false
	}
	if res.Violated {
		t.logger.Info("retrieval hits withheld",
			zap.String("error_kind", string(ErrorPermissionViolation)),
			zap.Strings("blocked_domains", res.BlockedDomains),
			zap.Int("allowed_hits", len(res.Allowed)),
			zap.Int("blocked_hits", len(res.Blocked)),
		)
	}
	return res, scope, true
}

// templated answers without the generator and records both halves of the
// turn so history shows why nothing was answered.
func (t *turn) templated(ctx context.Context, reply, finish string) {
	if err := t.saga.RecordUser(ctx, t.message); err != nil {
		t.fail(ctx, ErrorPersistence, msgPersistence, err)
		return
	}
	if !t.em.token(reply) {
		t.abandon(ctx, t.em.sendErr)
		return
	}
	dur := t.elapsed()
	t.em.done(domain.DonePayload{FinishReason: finish, DurationMs: dur})
	t.recordAssistant(ctx, reply, &domain.MessageMetadata{
		Model:        templateModel,
		DurationMs:   dur,
		FinishReason: finish,
	})
}

func (t *turn) synthesize(ctx context.Context, res access.FilterResult, scope access.Scope) {
	// The user message is durable before the generator is called.
	if err := t.saga.RecordUser(ctx, t.message); err != nil {
		t.fail(ctx, ErrorPersistence, msgPersistence, err)
		return
	}

	gctx, cancel := context.WithTimeout(ctx, t.svc.opts.GenerationTimeout)
	defer cancel()

	stream, err := t.svc.synth.Synthesize(gctx, SynthesisInput{
		Query: t.message,
		Hits:  res.Allowed,
		Permission: PermissionContext{
			GroupCode:       scope.GroupCode,
			AllowedDomains:  scope.DomainNames(),
			WithheldDomains: t.domainNames(res.BlockedDomains),
		},
		Caller: t.req.Caller,
	})
	if err != nil {
		t.failGeneration(ctx, gctx, err)
		return
	}
	defer stream.Close()

	var (
		answer strings.Builder
		usage  *domain.Usage
		finish string
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.failGeneration(ctx, gctx, err)
			return
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Text == "" {
			continue
		}
		answer.WriteString(chunk.Text)
		if err := t.forward(gctx, chunk.Text); err != nil {
			t.failGeneration(ctx, gctx, err)
			return
		}
	}

	if finish == "" {
		finish = finishStop
	}
	total := 0
	if usage != nil {
		total = usage.TotalTokens
		if total == 0 {
			total = usage.InputTokens + usage.OutputTokens
		}
	}
	dur := t.elapsed()
	sources := citations(res.Allowed)
	if len(sources) > 0 {
		t.em.sources(sources)
	}
	t.em.done(domain.DonePayload{TotalTokens: total, FinishReason: finish, DurationMs: dur})

	t.recordAssistant(ctx, answer.String(), &domain.MessageMetadata{
		Sources:      sources,
		TotalTokens:  total,
		Model:        t.svc.synth.Model(),
		DurationMs:   dur,
		FinishReason: finish,
	})
	t.logger.Info("chat turn completed",
		zap.Int("allowed_hits", len(res.Allowed)),
		zap.Int("total_tokens", total),
		zap.Int64("duration_ms", dur),
	)
}

// forward splits text into fixed-size rune chunks, one token event each,
// pausing between chunks. It stops when the caller is gone or ctx ends.
func (t *turn) forward(ctx context.Context, text string) error {
	size := t.svc.opts.ChunkSize
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if !t.em.token(string(runes[i:end])) {
			if t.em.sendErr != nil {
				return t.em.sendErr
			}
			return errors.New("usecase: token rejected")
		}
		if err := sleepCtx(ctx, t.svc.opts.ChunkDelay); err != nil {
			return err
		}
	}
	return nil
}

func (t *turn) recordAssistant(ctx context.Context, content string, meta *domain.MessageMetadata) {
	pctx, cancel := t.svc.persistContext(ctx)
	defer cancel()
	if err := t.saga.RecordAssistant(pctx, content, meta); err != nil {
		t.logger.Error("assistant message not recorded",
			zap.String("error_kind", string(ErrorPersistence)),
			zap.String("message", logging.Truncate(t.message, logMessageRunes)),
			zap.Error(err),
		)
		t.compensate(ctx)
	}
}

func (t *turn) failGeneration(ctx, gctx context.Context, err error) {
	switch {
	case t.em.gone() || ctx.Err() != nil:
		t.abandon(ctx, err)
	case gctx.Err() != nil:
		t.fail(ctx, ErrorOracle, msgOracleTimeout, err)
	default:
		t.failOracle(ctx, err)
	}
}

func (t *turn) failOracle(ctx context.Context, err error) {
	if ctx.Err() != nil {
		t.abandon(ctx, err)
		return
	}
	msg := msgGeneration
	var oe *OracleError
	if errors.As(err, &oe) && oe.Op == "retrieval" {
		msg = msgRetrieval
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg = msgOracleTimeout
	} else if status, ok := upstreamStatusCode(err); ok && status == 429 {
		msg = msgOracleBusy
	}
	t.fail(ctx, ErrorOracle, msg, err)
}

func (t *turn) failRegistry(ctx context.Context, err error) {
	if errors.Is(err, access.ErrConfigurationInconsistency) {
		t.fail(ctx, ErrorConfigurationInconsistency, msgConfiguration, err)
		return
	}
	t.fail(ctx, ErrorInternal, msgInternal, err)
}

// fail emits the terminal error event and then undoes the user message.
func (t *turn) fail(ctx context.Context, code ErrorCode, userMessage string, err error) {
	t.logger.Error("chat turn failed",
		zap.String("error_kind", string(code)),
		zap.String("message", logging.Truncate(t.message, logMessageRunes)),
		zap.Error(err),
	)
	t.em.fail(code, userMessage)
	t.compensate(ctx)
}

// abandon handles a caller that went away mid-turn.
func (t *turn) abandon(ctx context.Context, cause error) {
	t.logger.Info("caller left mid-turn",
		zap.String("message", logging.Truncate(t.message, logMessageRunes)),
		zap.NamedError("cause", cause),
	)
	t.em.fail(ErrorInternal, msgCancelled)
	t.compensate(ctx)
}

// compensate undoes an unfinished turn. A conversation the turn created is
// deleted outright; otherwise only the user message is removed.
func (t *turn) compensate(ctx context.Context) {
	if !t.saga.Pending() && !t.saga.Discardable() {
		return
	}
	pctx, cancel := t.svc.persistContext(ctx)
	defer cancel()
	if t.saga.Discardable() {
		_, err := t.saga.Discard(pctx)
		if err == nil {
			return
		}
		t.logger.Error("new conversation not discarded",
			zap.String("error_kind", string(ErrorPersistence)),
			zap.Error(err),
		)
	}
	if !t.saga.Pending() {
		return
	}
	if _, err := t.saga.Compensate(pctx, domain.RoleUser); err != nil {
		t.logger.Error("compensation failed; message count needs reconciliation",
			zap.String("error_kind", string(ErrorPersistence)),
			zap.Error(err),
		)
	}
}

func (t *turn) domainNames(codes []string) []string {
	if t.classifier == nil {
		return append([]string(nil), codes...)
	}
	return domainNames(codes, t.classifier.Domain)
}

func (t *turn) elapsed() int64 {
	return t.svc.now().Sub(t.began).Milliseconds()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
