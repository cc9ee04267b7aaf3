// internal/oracle/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"experiment-oracle/internal/common/auth"
	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/answers"
	"experiment-oracle/internal/oracle/cache"
	"experiment-oracle/internal/oracle/dispatch"
	"experiment-oracle/internal/oracle/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helpers
// ==========================

type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	timers     []*fakeTimer
	ignoreStop bool
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.clock.ignoreStop {
		return false
	}
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type progressLog struct {
	mu       sync.Mutex
	events   []ProgressKind
	messages []string
}

func (p *progressLog) record(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Kind)
	p.messages = append(p.messages, ev.Message)
}

func (p *progressLog) lastMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return ""
	}
	return p.messages[len(p.messages)-1]
}

func (p *progressLog) kinds() []ProgressKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProgressKind(nil), p.events...)
}

type answerResult struct {
	answer models.Answer
	err    error
}

// blockingAnswerer answers once the test releases it.
type blockingAnswerer struct {
	called  chan models.Question
	release chan answerResult
	calls   int32
}

func newBlockingAnswerer() *blockingAnswerer {
	return &blockingAnswerer{
		called:  make(chan models.Question, 4),
		release: make(chan answerResult, 4),
	}
}

func (b *blockingAnswerer) Ask(ctx context.Context, q models.Question) (models.Answer, error) {
	atomic.AddInt32(&b.calls, 1)
	b.called <- q
	select {
	case r := <-b.release:
		return r.answer, r.err
	case <-ctx.Done():
		return models.Answer{}, errors.NewTransportError("answering service", ctx.Err())
	}
}

type fixedAnswerer struct {
	answer models.Answer
	err    error
}

func (f fixedAnswerer) Ask(context.Context, models.Question) (models.Answer, error) {
	return f.answer, f.err
}

type dispatchFunc func(ctx context.Context, q models.Question) (dispatch.Ack, error)

func (f dispatchFunc) Dispatch(ctx context.Context, q models.Question) (dispatch.Ack, error) {
	return f(ctx, q)
}

// neverFeed never observes an answer.
type neverFeed struct{}

func (neverFeed) Open(context.Context, string) (Waiter, error) { return neverWaiter{}, nil }

type neverWaiter struct{}

func (neverWaiter) Wait(ctx context.Context, _ string, _ time.Time) (models.ConversationTurn, error) {
	<-ctx.Done()
	return models.ConversationTurn{}, ctx.Err()
}

func (neverWaiter) Close() error { return nil }

// memCache is an in-process cache.Store.
type memCache struct {
	mu      sync.Mutex
	entries map[models.NormalizedQuestion]models.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[models.NormalizedQuestion]models.CacheEntry)}
}

func (m *memCache) Hit(_ context.Context, key models.NormalizedQuestion, now time.Time) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Expired(now) {
		return nil, nil
	}
	e.HitCount++
	m.entries[key] = e
	return &e, nil
}

func (m *memCache) Put(_ context.Context, e models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

const questionText = "What channel performs best for email campaigns?"

func hasPlaceholder(turns []models.ConversationTurn) bool {
	for _, t := range turns {
		if t.IsPlaceholder() {
			return true
		}
	}
	return false
}

// startAsk runs Ask in the background and waits until the answerer is called.
func startAsk(t *testing.T, o *Orchestrator, a *blockingAnswerer) <-chan Outcome {
	t.Helper()
	done := make(chan Outcome, 1)
	go func() {
		out, _ := o.Ask(context.Background(), questionText)
		done <- out
	}()
	select {
	case <-a.called:
	case <-time.After(2 * time.Second):
		t.Fatal("answerer was not called")
	}
	return done
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("question did not complete")
		return Outcome{}
	}
}

// ==========================
// Synchronous Strategy
// ==========================

func TestAsk_Resolves(t *testing.T) {
	progress := &progressLog{}
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t),
		WithAnswerer(fixedAnswerer{answer: models.Answer{Content: "Email.", Sources: []string{"q3"}}}))

	out, err := o.Ask(context.Background(), questionText)
	require.NoError(t, err)

	assert.Equal(t, StateResolved, out.State)
	assert.False(t, out.FromCache)
	assert.Equal(t, "Email.", out.Answer.Content)
	assert.Equal(t, []string{"q3"}, out.Answer.Sources)
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, StateResolved, o.LastState())
	assert.Equal(t, []ProgressKind{ProgressConsulting}, progress.kinds())

	view := o.View()
	require.Len(t, view, 2)
	assert.Equal(t, models.RoleUser, view[0].Role)
	assert.Equal(t, "Email.", view[1].Content)
	assert.False(t, hasPlaceholder(view))
}

func TestAsk_InvalidQuestionNeverLeavesIdle(t *testing.T) {
	progress := &progressLog{}
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t), WithAnswerer(a))

	_, err := o.Ask(context.Background(), "too short")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeQuestionTooShort))

	assert.Equal(t, StateIdle, o.State())
	assert.Empty(t, o.View())
	assert.Empty(t, progress.kinds())
	assert.Empty(t, o.ConversationID())
	assert.Zero(t, atomic.LoadInt32(&a.calls))
}

func TestAsk_RejectsSecondQuestionWhileInFlight(t *testing.T) {
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
		WithAnswerer(a),
		WithDispatcher(dispatchFunc(func(context.Context, models.Question) (dispatch.Ack, error) {
			t.Error("dispatch must not be called while busy")
			return dispatch.Ack{}, nil
		}), neverFeed{}))

	done := startAsk(t, o, a)
	assert.Equal(t, StateDispatching, o.State())
	assert.True(t, hasPlaceholder(o.View()))

	_, err := o.Ask(context.Background(), "Another question entirely?")
	assert.True(t, errors.HasCode(err, errors.ErrCodeBusy))
	_, err = o.Submit(context.Background(), "Another question entirely?")
	assert.True(t, errors.HasCode(err, errors.ErrCodeBusy))
	assert.Len(t, o.View(), 2, "a rejected question leaves no trace")

	a.release <- answerResult{answer: models.Answer{Content: "Email."}}
	out := waitOutcome(t, done)
	assert.Equal(t, StateResolved, out.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a.calls))
}

func TestAsk_Failures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode errors.ErrorCode
	}{
		{"transport", errors.NewTransportError("answering service", stderrors.New("refused")), errors.ErrCodeTransportFailed},
		{"malformed", errors.NewMalformedResponseError("no resposta"), errors.ErrCodeMalformedResponse},
		{"plain error", stderrors.New("EOF"), errors.ErrCodeTransportFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t), WithAnswerer(fixedAnswerer{err: tt.err}))

			out, err := o.Ask(context.Background(), questionText)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.wantCode), "got %v", err)
			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, StateIdle, o.State())
			assert.Equal(t, StateFailed, o.LastState())

			view := o.View()
			assert.False(t, hasPlaceholder(view))
			assert.Len(t, view, 1)
		})
	}
}

func TestAsk_TimesOut(t *testing.T) {
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1", AnswerTimeout: 30 * time.Millisecond}, logger.NewTestLogger(t), WithAnswerer(a))

	out, err := o.Ask(context.Background(), questionText)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAnswerTimeout))
	assert.Equal(t, StateTimedOut, out.State)
	assert.False(t, hasPlaceholder(o.View()))
	assert.Equal(t, StateIdle, o.State())
}

func TestAsk_ReusesConversation(t *testing.T) {
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
		WithAnswerer(fixedAnswerer{answer: models.Answer{Content: "Email."}}))

	first, err := o.Ask(context.Background(), questionText)
	require.NoError(t, err)
	second, err := o.Ask(context.Background(), "And for social media campaigns?")
	require.NoError(t, err)

	assert.NotEmpty(t, first.Question.ConversationID)
	assert.Equal(t, first.Question.ConversationID, second.Question.ConversationID)
	assert.Equal(t, first.Question.ConversationID, o.ConversationID())
	assert.Len(t, o.View(), 4)
}

func TestAsk_ServesFromCache(t *testing.T) {
	store := newMemCache()
	now := time.Now()
	require.NoError(t, store.Put(context.Background(),
		cache.NewEntry(models.Normalize(questionText), "Email.", now, time.Hour, 800, 90)))

	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
		WithAnswerer(a), WithCache(cache.NewLookup(store, logger.NewTestLogger(t))))

	out, err := o.Ask(context.Background(), "  WHAT channel performs best for email campaigns? ")
	require.NoError(t, err)
	assert.True(t, out.FromCache)
	assert.Equal(t, "Email.", out.Answer.Content)
	assert.Zero(t, atomic.LoadInt32(&a.calls))
	assert.Equal(t, 1, store.entries[models.Normalize(questionText)].HitCount)
}

// ==========================
// Escalation
// ==========================

func TestEscalation_NotBeforeThreshold(t *testing.T) {
	clock := newFakeClock()
	progress := &progressLog{}
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t),
		WithAnswerer(a), WithClock(clock))

	done := startAsk(t, o, a)
	clock.Advance(29900 * time.Millisecond)
	assert.Equal(t, []ProgressKind{ProgressConsulting}, progress.kinds())

	a.release <- answerResult{answer: models.Answer{Content: "Email."}}
	out := waitOutcome(t, done)
	assert.Equal(t, StateResolved, out.State)
	assert.Equal(t, 29900*time.Millisecond, out.Elapsed)

	clock.Advance(time.Second)
	assert.Equal(t, []ProgressKind{ProgressConsulting}, progress.kinds(), "cancelled timer must not fire")
}

func TestEscalation_AfterThreshold(t *testing.T) {
	clock := newFakeClock()
	progress := &progressLog{}
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t),
		WithAnswerer(a), WithClock(clock))

	done := startAsk(t, o, a)
	clock.Advance(30100 * time.Millisecond)
	assert.Equal(t, []ProgressKind{ProgressConsulting, ProgressLongWait}, progress.kinds())
	assert.Equal(t, StateDispatching, o.State(), "escalation does not reset the request")

	a.release <- answerResult{answer: models.Answer{Content: "Email."}}
	out := waitOutcome(t, done)
	assert.Equal(t, StateResolved, out.State)
	assert.Len(t, progress.kinds(), 2)
}

func TestEscalation_MessageFollowsAnswerTimeout(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    string
	}{
		{0, "This may take up to 2 minutes"},
		{time.Minute, "This may take up to 1 minute"},
		{5 * time.Minute, "This may take up to 5 minutes"},
		{90 * time.Second, "This may take up to 90 seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			clock := newFakeClock()
			progress := &progressLog{}
			a := newBlockingAnswerer()
			o := New(Config{UserID: "u-1", AnswerTimeout: tt.timeout, OnProgress: progress.record},
				logger.NewTestLogger(t), WithAnswerer(a), WithClock(clock))

			done := startAsk(t, o, a)
			clock.Advance(30100 * time.Millisecond)
			assert.Equal(t, tt.want, progress.lastMessage())

			a.release <- answerResult{answer: models.Answer{Content: "Email."}}
			waitOutcome(t, done)
		})
	}
}

func TestEscalation_LateCallbackIsIgnored(t *testing.T) {
	clock := newFakeClock()
	clock.ignoreStop = true
	progress := &progressLog{}
	a := newBlockingAnswerer()
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t),
		WithAnswerer(a), WithClock(clock))

	done := startAsk(t, o, a)
	a.release <- answerResult{answer: models.Answer{Content: "Email."}}
	waitOutcome(t, done)

	clock.Advance(31 * time.Second)
	assert.Equal(t, []ProgressKind{ProgressConsulting}, progress.kinds())
}

// ==========================
// Asynchronous Strategy
// ==========================

// answeringService stands in for the external service: every delivered
// envelope is answered through the recorder shortly afterwards.
type answeringService struct {
	recorder *answers.Recorder
	calls    int32
	wg       sync.WaitGroup
}

func (s *answeringService) Submit(env models.DispatchEnvelope) error {
	atomic.AddInt32(&s.calls, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, _ = s.recorder.Record(context.Background(), models.Answer{
			ConversationID: env.ConversationID,
			Question:       env.Question,
			Content:        "Email performs best.",
			ReplyTo:        env.ReplyTo,
		})
	}()
	return nil
}

func TestSubmit_ReconcilesAnswerAndCachesIt(t *testing.T) {
	log := logger.NewTestLogger(t)
	store := history.NewMemoryStore()
	cacheStore := newMemCache()
	service := &answeringService{recorder: answers.NewRecorder(store, log, answers.WithCache(cacheStore, time.Hour))}
	defer service.wg.Wait()

	gw := dispatch.NewGateway(auth.NewStaticAuthenticator(map[string]string{"tok": "u-1"}), store, service, log)
	o := New(Config{UserID: "u-1"}, log,
		WithCache(cache.NewLookup(cacheStore, log)),
		WithDispatcher(gw.Bind(auth.Identity{UserID: "u-1"}), NewPollingFeed(store, 5*time.Millisecond, log)))

	p, err := o.Submit(context.Background(), questionText)
	require.NoError(t, err)
	assert.True(t, hasPlaceholder(o.View()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, out.State)
	assert.Equal(t, "Email performs best.", out.Answer.Content)
	assert.False(t, out.FromCache)

	view := o.View()
	assert.False(t, hasPlaceholder(view))
	require.Len(t, view, 2)
	assert.Equal(t, out.Answer.ID, view[1].ID)

	turns, _ := store.ListByConversation(context.Background(), o.ConversationID())
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))

	again, err := o.Submit(context.Background(), "what channel performs best   for EMAIL campaigns?")
	require.NoError(t, err)
	cached, err := again.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, int32(1), atomic.LoadInt32(&service.calls), "a cache hit is not dispatched")
}

func TestSubmit_DispatchFailureRemovesPlaceholder(t *testing.T) {
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
		WithDispatcher(dispatchFunc(func(context.Context, models.Question) (dispatch.Ack, error) {
			return dispatch.Ack{}, errors.NewForbiddenError("user mismatch")
		}), neverFeed{}))

	p, err := o.Submit(context.Background(), questionText)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))
	assert.False(t, hasPlaceholder(o.View()))
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, StateFailed, o.LastState())
}

func TestSubmit_RejectedQuestionLeavesNoUserTurn(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantView int
	}{
		{"validation", errors.NewValidationError("missing required fields: userId"), 0},
		{"forbidden", errors.NewForbiddenError("user mismatch"), 0},
		{"not configured", errors.NewDispatchNotConfiguredError(), 0},
		{"history write", errors.NewHistoryWriteError(stderrors.New("db down")), 0},
		{"transport may have been recorded", errors.NewTransportError("oracle gateway", stderrors.New("502")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
				WithDispatcher(dispatchFunc(func(context.Context, models.Question) (dispatch.Ack, error) {
					return dispatch.Ack{}, tt.err
				}), neverFeed{}))

			_, err := o.Submit(context.Background(), questionText)
			require.Error(t, err)

			view := o.View()
			assert.False(t, hasPlaceholder(view))
			require.Len(t, view, tt.wantView)
			if tt.wantView == 1 {
				assert.Equal(t, models.RoleUser, view[0].Role)
			}
		})
	}
}

func TestSubmit_LocalTurnSharesDispatchedTurnID(t *testing.T) {
	var sent models.Question
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t),
		WithDispatcher(dispatchFunc(func(_ context.Context, q models.Question) (dispatch.Ack, error) {
			sent = q
			return dispatch.Ack{ConversationID: q.ConversationID, TurnID: q.TurnID, CreatedAt: time.Now()}, nil
		}), neverFeed{}))

	_, err := o.Submit(context.Background(), questionText)
	require.NoError(t, err)
	defer o.Abandon()

	require.NotEmpty(t, sent.TurnID)
	view := o.View()
	require.NotEmpty(t, view)
	assert.Equal(t, sent.TurnID, view[0].ID)
}

// envelopeQueue hands delivered envelopes to the test.
type envelopeQueue chan models.DispatchEnvelope

func (q envelopeQueue) Submit(env models.DispatchEnvelope) error {
	q <- env
	return nil
}

func TestSubmit_LateAnswerDoesNotResolveNextQuestion(t *testing.T) {
	log := logger.NewNoOpLogger()
	store := history.NewMemoryStore()
	recorder := answers.NewRecorder(store, log)
	envs := make(envelopeQueue, 4)

	gw := dispatch.NewGateway(auth.NewStaticAuthenticator(map[string]string{"tok": "u-1"}), store, envs, log)
	o := New(Config{UserID: "u-1", AnswerTimeout: 300 * time.Millisecond}, log,
		WithDispatcher(gw.Bind(auth.Identity{UserID: "u-1"}), NewPollingFeed(store, 5*time.Millisecond, log)))

	first, err := o.Submit(context.Background(), questionText)
	require.NoError(t, err)
	firstEnv := <-envs
	out, err := first.Wait(context.Background())
	require.Error(t, err)
	require.Equal(t, StateTimedOut, out.State)

	second, err := o.Submit(context.Background(), "Which region grew fastest last quarter?")
	require.NoError(t, err)
	secondEnv := <-envs
	require.NotEqual(t, firstEnv.ReplyTo, secondEnv.ReplyTo)

	_, err = recorder.Record(context.Background(), models.Answer{
		ConversationID: firstEnv.ConversationID,
		Content:        "Answer to the first question.",
		ReplyTo:        firstEnv.ReplyTo,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = recorder.Record(context.Background(), models.Answer{
		ConversationID: secondEnv.ConversationID,
		Content:        "The north region.",
		ReplyTo:        secondEnv.ReplyTo,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, out.State)
	assert.Equal(t, "The north region.", out.Answer.Content)
	assert.Equal(t, secondEnv.ReplyTo, out.Answer.ReplyTo)
}

func TestSubmit_TimesOutWithoutAnswer(t *testing.T) {
	o := New(Config{UserID: "u-1", AnswerTimeout: 30 * time.Millisecond}, logger.NewTestLogger(t),
		WithDispatcher(dispatchFunc(func(context.Context, models.Question) (dispatch.Ack, error) {
			return dispatch.Ack{CreatedAt: time.Now()}, nil
		}), neverFeed{}))

	p, err := o.Submit(context.Background(), questionText)
	require.NoError(t, err)

	out, err := p.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAnswerTimeout))
	assert.Equal(t, StateTimedOut, out.State)
	assert.False(t, hasPlaceholder(o.View()))
	assert.Equal(t, StateIdle, o.State())
}

func TestSubmit_NotConfigured(t *testing.T) {
	o := New(Config{UserID: "u-1"}, logger.NewTestLogger(t))
	_, err := o.Submit(context.Background(), questionText)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDispatchNotConfigured))
	_, err = o.Ask(context.Background(), questionText)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDispatchNotConfigured))
}

// ==========================
// Abandonment
// ==========================

func TestAbandon_DropsLateResult(t *testing.T) {
	clock := newFakeClock()
	progress := &progressLog{}
	var dispatched int32
	o := New(Config{UserID: "u-1", OnProgress: progress.record}, logger.NewTestLogger(t),
		WithClock(clock),
		WithDispatcher(dispatchFunc(func(context.Context, models.Question) (dispatch.Ack, error) {
			atomic.AddInt32(&dispatched, 1)
			return dispatch.Ack{CreatedAt: time.Now()}, nil
		}), neverFeed{}))

	p, err := o.Submit(context.Background(), questionText)
	require.NoError(t, err)

	o.Abandon()

	out, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.ErrorIs(t, out.Err, ErrAbandoned)
	assert.False(t, hasPlaceholder(o.View()))
	assert.Equal(t, StateIdle, o.State())

	clock.Advance(time.Minute)
	assert.Equal(t, []ProgressKind{ProgressConsulting}, progress.kinds())

	_, err = o.Submit(context.Background(), questionText)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dispatched))
}
