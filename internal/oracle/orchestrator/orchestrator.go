// Package orchestrator drives one question/answer session: cache check,
// dispatch, progress feedback and reconciliation of the eventual answer.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/common/observability"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/cache"
	"experiment-oracle/internal/oracle/dispatch"
)

// ErrAbandoned is returned once the session has been abandoned.
var ErrAbandoned = stderrors.New("session abandoned")

type State int

const (
	StateIdle State = iota
	StateDispatching
	StateResolved
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	StrategySync  = "sync"
	StrategyAsync = "async"
)

type ProgressKind string

const (
	ProgressConsulting ProgressKind = "consulting"
	ProgressLongWait   ProgressKind = "long_wait"
)

// Progress is a user-facing indicator for the request in flight.
type Progress struct {
	Kind           ProgressKind
	Message        string
	ConversationID string
}

// Outcome is the terminal result of one question.
type Outcome struct {
	Question  models.Question
	Answer    models.ConversationTurn
	FromCache bool
	State     State
	Err       error
	Elapsed   time.Duration
}

// CacheResolver is satisfied by *cache.Lookup.
type CacheResolver interface {
	Resolve(ctx context.Context, q models.Question) cache.Result
}

// Dispatcher hands a question to the gateway and returns its acknowledgment.
type Dispatcher interface {
	Dispatch(ctx context.Context, q models.Question) (dispatch.Ack, error)
}

// Answerer asks the answering service directly and waits for the answer.
type Answerer interface {
	Ask(ctx context.Context, q models.Question) (models.Answer, error)
}

type Config struct {
	UserID string
	// ConversationID resumes an existing conversation; empty starts a new one
	// on the first submission.
	ConversationID  string
	EscalationAfter time.Duration
	AnswerTimeout   time.Duration
	// OnProgress is invoked while the session lock is held. It must not block
	// or call back into the Orchestrator.
	OnProgress func(Progress)
}

type Option func(*Orchestrator)

func WithCache(c CacheResolver) Option { return func(o *Orchestrator) { o.cache = c } }

// WithDispatcher enables Submit. feed observes the answers.
func WithDispatcher(d Dispatcher, feed Feed) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
		o.feed = feed
	}
}

// WithAnswerer enables Ask.
func WithAnswerer(a Answerer) Option { return func(o *Orchestrator) { o.answerer = a } }

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithObservability(obs *observability.Observability) Option {
	return func(o *Orchestrator) { o.obs = obs }
}

// Orchestrator serves one session. At most one question is in flight at a time.
type Orchestrator struct {
	cfg        Config
	cache      CacheResolver
	dispatcher Dispatcher
	feed       Feed
	answerer   Answerer
	clock      Clock
	obs        *observability.Observability
	logger     logger.Logger

	mu             sync.Mutex
	state          State
	last           State
	gen            uint64
	abandoned      bool
	escalation     Timer
	cancel         context.CancelFunc
	conversationID string
	view           []models.ConversationTurn
}

func New(cfg Config, log logger.Logger, opts ...Option) *Orchestrator {
	if cfg.EscalationAfter <= 0 {
		cfg.EscalationAfter = 30 * time.Second
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 2 * time.Minute
	}

	o := &Orchestrator{
		cfg:            cfg,
		clock:          RealClock(),
		logger:         log.With(map[string]interface{}{"component": "orchestrator", "userId": cfg.UserID}),
		state:          StateIdle,
		last:           StateIdle,
		conversationID: cfg.ConversationID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// request is the bookkeeping of the question in flight.
type request struct {
	gen           uint64
	q             models.Question
	ctx           context.Context
	cancel        context.CancelFunc
	placeholderID string
	strategy      string
	started       time.Time
	// unrecorded is set when the gateway refused the question before writing it.
	unrecorded    bool
}

// Ask answers text with the synchronous strategy: cache check, then a direct
// round trip to the answering service bounded by the answer timeout.
func (o *Orchestrator) Ask(ctx context.Context, text string) (Outcome, error) {
	if o.answerer == nil {
		return Outcome{}, errors.NewDispatchNotConfiguredError()
	}
	req, err := o.begin(ctx, text, StrategySync)
	if err != nil {
		return Outcome{}, err
	}
	if out, hit := o.fromCache(req); hit {
		return o.complete(req, out)
	}

	waitCtx, cancel := context.WithTimeout(req.ctx, o.cfg.AnswerTimeout)
	defer cancel()

	answer, err := o.answerer.Ask(waitCtx, req.q)
	if err != nil {
		return o.complete(req, o.failure(req, waitCtx, err))
	}

	turn := models.NewAssistantTurn(req.q.ConversationID, req.q.UserID, answer.Content, answer.Sources, o.clock.Now())
	return o.complete(req, Outcome{Question: req.q, Answer: turn, State: StateResolved})
}

// Submit answers text with the asynchronous strategy. It returns once the
// gateway has accepted the question; the answer is reconciled in the
// background and reported through the returned Pending.
func (o *Orchestrator) Submit(ctx context.Context, text string) (*Pending, error) {
	if o.dispatcher == nil || o.feed == nil {
		return nil, errors.NewDispatchNotConfiguredError()
	}
	req, err := o.begin(ctx, text, StrategyAsync)
	if err != nil {
		return nil, err
	}

	p := newPending()
	if out, hit := o.fromCache(req); hit {
		out, _ = o.complete(req, out)
		p.resolve(out)
		return p, nil
	}

	waiter, err := o.feed.Open(req.ctx, req.q.ConversationID)
	if err != nil {
		req.unrecorded = true
		out, _ := o.complete(req, o.failure(req, req.ctx, errors.NewTransportError("answer feed", err)))
		return nil, out.Err
	}

	ack, err := o.dispatcher.Dispatch(req.ctx, req.q)
	if err != nil {
		_ = waiter.Close()
		req.unrecorded = rejected(err)
		out, _ := o.complete(req, o.failure(req, req.ctx, err))
		return nil, out.Err
	}

	since := ack.CreatedAt
	if since.IsZero() {
		since = req.started
	}
	replyTo := ack.TurnID
	if replyTo == "" {
		replyTo = req.q.TurnID
	}

	go func() {
		defer waiter.Close()

		waitCtx, cancel := context.WithTimeout(req.ctx, o.cfg.AnswerTimeout)
		defer cancel()

		var out Outcome
		turn, err := waiter.Wait(waitCtx, replyTo, since)
		if err != nil {
			out = o.failure(req, waitCtx, err)
		} else {
			out = Outcome{Question: req.q, Answer: turn, State: StateResolved}
		}
		out, _ = o.complete(req, out)
		p.resolve(out)
	}()

	return p, nil
}

// Abandon stops the session from acting on results still in flight. The
// answering service is not told; its answer still lands in the history.
func (o *Orchestrator) Abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.abandoned = true
	o.gen++
	if o.escalation != nil {
		o.escalation.Stop()
		o.escalation = nil
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.state == StateDispatching {
		o.view = withoutPlaceholders(o.view)
		o.state = StateIdle
	}
}

// State returns StateDispatching while a question is in flight, StateIdle otherwise.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastState returns the terminal state of the most recent question.
func (o *Orchestrator) LastState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// View returns the turns shown to the user, including a loading placeholder
// while a question is in flight.
func (o *Orchestrator) View() []models.ConversationTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ConversationTurn, len(o.view))
	copy(out, o.view)
	return out
}

// begin validates text and moves the session from Idle to Dispatching.
func (o *Orchestrator) begin(ctx context.Context, text, strategy string) (*request, error) {
	if err := models.ValidateText(text); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.abandoned {
		return nil, ErrAbandoned
	}
	if o.state == StateDispatching {
		return nil, errors.NewBusyError(o.conversationID)
	}

	convID := o.conversationID
	if convID == "" {
		convID = models.NewConversationID()
	}
	q := models.NewQuestion(text, convID, o.cfg.UserID)
	q.TurnID = models.NewTurnID()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	o.conversationID = convID

	now := o.clock.Now()
	placeholder := models.NewPlaceholderTurn(convID, now)
	o.view = append(o.view, models.NewUserTurn(q, now), placeholder)

	reqCtx, cancel := context.WithCancel(ctx)
	o.gen++
	req := &request{
		gen:           o.gen,
		q:             q,
		ctx:           reqCtx,
		cancel:        cancel,
		placeholderID: placeholder.ID,
		strategy:      strategy,
		started:       now,
	}
	o.cancel = cancel
	o.state = StateDispatching

	gen := req.gen
	o.escalation = o.clock.AfterFunc(o.cfg.EscalationAfter, func() { o.escalate(gen, strategy) })
	o.emit(ProgressConsulting, "Consulting the oracle...")

	return req, nil
}

func (o *Orchestrator) fromCache(req *request) (Outcome, bool) {
	if o.cache == nil {
		return Outcome{}, false
	}
	res := o.cache.Resolve(req.ctx, req.q)
	if !res.FromCache || res.Entry == nil {
		return Outcome{}, false
	}
	turn := models.NewAssistantTurn(req.q.ConversationID, req.q.UserID, res.Entry.Answer, nil, o.clock.Now())
	return Outcome{Question: req.q, Answer: turn, FromCache: true, State: StateResolved}, true
}

// failure classifies err into a terminal outcome.
func (o *Orchestrator) failure(req *request, waitCtx context.Context, err error) Outcome {
	out := Outcome{Question: req.q, State: StateFailed}

	var std *errors.StandardError
	switch {
	case stderrors.Is(waitCtx.Err(), context.DeadlineExceeded) && req.ctx.Err() == nil:
		out.State = StateTimedOut
		out.Err = errors.NewAnswerTimeoutError(o.cfg.AnswerTimeout)
	case stderrors.As(err, &std):
		out.Err = std
	case req.ctx.Err() != nil:
		out.Err = req.ctx.Err()
	default:
		out.Err = errors.NewTransportError("answering service", err)
	}
	return out
}

// complete reconciles the view and returns the session to Idle. Results of an
// abandoned request are dropped and reported as ErrAbandoned.
func (o *Orchestrator) complete(req *request, out Outcome) (Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req.cancel()
	out.Elapsed = o.clock.Now().Sub(req.started)

	if o.gen != req.gen || o.state != StateDispatching {
		out.Err = ErrAbandoned
		return out, ErrAbandoned
	}

	if o.escalation != nil {
		o.escalation.Stop()
		o.escalation = nil
	}
	o.cancel = nil

	if out.Err == nil {
		o.view = replaceTurn(o.view, req.placeholderID, out.Answer)
	} else {
		o.view = removeTurn(o.view, req.placeholderID)
		if req.unrecorded {
			o.view = removeTurn(o.view, req.q.TurnID)
		}
	}
	o.state = StateIdle
	o.last = out.State

	o.record(req, out)
	return out, out.Err
}

func (o *Orchestrator) record(req *request, out Outcome) {
	metrics.QuestionDuration.WithLabelValues(req.strategy, out.State.String()).Observe(out.Elapsed.Seconds())
	o.obs.RecordOutcome(context.Background(), req.strategy, out.State.String(), out.FromCache, out.Elapsed)

	fields := map[string]interface{}{
		"conversationId": req.q.ConversationID,
		"strategy":       req.strategy,
		"state":          out.State.String(),
		"fromCache":      out.FromCache,
		"elapsedMs":      out.Elapsed.Milliseconds(),
	}
	if out.Err != nil {
		fields["errorCode"] = string(errors.AsStandard(out.Err).Code)
		o.logger.Warn("Question failed", fields)
		return
	}
	o.logger.Info("Question resolved", fields)
}

// escalate replaces the progress indicator if gen is still in flight.
func (o *Orchestrator) escalate(gen uint64, strategy string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gen != gen || o.state != StateDispatching {
		return
	}
	o.emit(ProgressLongWait, "This may take up to "+humanDuration(o.cfg.AnswerTimeout))
	o.obs.RecordEscalation(context.Background(), strategy)
}

// rejected reports whether err is a refusal issued before the user turn was
// written. Transport failures stay ambiguous: the turn may have been stored.
func rejected(err error) bool {
	var std *errors.StandardError
	if !stderrors.As(err, &std) {
		return false
	}
	switch std.Code {
	case errors.ErrCodeValidationFailed, errors.ErrCodeQuestionTooShort,
		errors.ErrCodeUnauthorized, errors.ErrCodeForbidden, errors.ErrCodeBusy,
		errors.ErrCodeDispatchNotConfigured, errors.ErrCodeHistoryWriteFailed:
		return true
	}
	return false
}

// humanDuration renders d in whole minutes or seconds when it divides evenly.
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	case d >= time.Second && d%time.Second == 0:
		return plural(int64(d/time.Second), "second")
	default:
		return d.String()
	}
}

func (o *Orchestrator) emit(kind ProgressKind, msg string) {
	if o.cfg.OnProgress == nil {
		return
	}
	o.cfg.OnProgress(Progress{Kind: kind, Message: msg, ConversationID: o.conversationID})
}

func replaceTurn(turns []models.ConversationTurn, id string, with models.ConversationTurn) []models.ConversationTurn {
	for i, t := range turns {
		if t.ID == id {
			turns[i] = with
			return turns
		}
	}
	return append(turns, with)
}

func removeTurn(turns []models.ConversationTurn, id string) []models.ConversationTurn {
	out := turns[:0]
	for _, t := range turns {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func withoutPlaceholders(turns []models.ConversationTurn) []models.ConversationTurn {
	out := turns[:0]
	for _, t := range turns {
		if !t.IsPlaceholder() {
			out = append(out, t)
		}
	}
	return out
}

// Pending is an asynchronous question awaiting its answer.
type Pending struct {
	done chan struct{}
	once sync.Once
	out  Outcome
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(out Outcome) {
	p.once.Do(func() {
		p.out = out
		close(p.done)
	})
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome is valid after Done is closed.
func (p *Pending) Outcome() Outcome {
	<-p.done
	return p.out
}

// Wait blocks for the outcome or until ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.out, p.out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
