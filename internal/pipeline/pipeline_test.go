package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/push-service/internal/idempotency"
	"github.com/example/push-service/internal/push"
	"github.com/example/push-service/internal/queue"
	"github.com/example/push-service/internal/queue/queuetest"
	"github.com/example/push-service/internal/retry"
)

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	rec *recorder
	c   chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.rec.wait(d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

// recorder keeps an ordered log of side effects across all fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
	waits  []time.Duration
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) wait(d time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeRenderer struct {
	rec *recorder
	fn  func(call int, code string, vars map[string]any) (string, error)
	n   int
}

func (f *fakeRenderer) Render(ctx context.Context, code string, vars map[string]any) (string, error) {
	f.rec.add("render")
	f.n++
	return f.fn(f.n, code, vars)
}

type sentPush struct {
	token, title, body string
	metadata           map[string]any
}

type fakeGateway struct {
	rec  *recorder
	fn   func(call int) (push.Receipt, error)
	n    int
	sent []sentPush
}

func (f *fakeGateway) Send(ctx context.Context, token, title, body string, metadata map[string]any) (push.Receipt, error) {
	f.rec.add("send")
	f.n++
	f.sent = append(f.sent, sentPush{token: token, title: title, body: body, metadata: metadata})
	return f.fn(f.n)
}

type fakeStatus struct {
	rec         *recorder
	failErr     error
	reasons     map[string]string
	onDelivered func(id string)
}

func (f *fakeStatus) Delivered(ctx context.Context, id string) error {
	if f.failErr != nil {
		return f.failErr
	}
	if f.onDelivered != nil {
		f.onDelivered(id)
	}
	f.rec.add("status:delivered:" + id)
	return nil
}

func (f *fakeStatus) Failed(ctx context.Context, id, reason string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.rec.add("status:failed:" + id)
	if f.reasons == nil {
		f.reasons = map[string]string{}
	}
	f.reasons[id] = reason
	return nil
}

type recordingSink struct {
	queuetest.Sink
	rec *recorder
}

func (s *recordingSink) Publish(ctx context.Context, msg queue.Message) error {
	if err := s.Sink.Publish(ctx, msg); err != nil {
		return err
	}
	s.rec.add("dead_letter")
	return nil
}

type recordingStore struct {
	idempotency.Store
	rec *recorder
}

func (s *recordingStore) MarkProcessed(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.Store.MarkProcessed(ctx, id, ttl); err != nil {
		return err
	}
	s.rec.add("mark_processed:" + id)
	return nil
}

type flakyStore struct {
	idempotency.Store
	failChecks int
	checks     int
}

func (s *flakyStore) IsProcessed(ctx context.Context, id string) (bool, error) {
	s.checks++
	if s.checks <= s.failChecks {
		return false, push.StoreUnavailable(errors.New("connection refused"))
	}
	return s.Store.IsProcessed(ctx, id)
}

type harness struct {
	rec      *recorder
	store    *idempotency.MemoryStore
	renderer *fakeRenderer
	gateway  *fakeGateway
	status   *fakeStatus
	dlq      *recordingSink
	p        *Pipeline
}

func newHarness() *harness {
	rec := &recorder{}
	h := &harness{
		rec:   rec,
		store: idempotency.NewMemoryStore(),
		renderer: &fakeRenderer{rec: rec, fn: func(int, string, map[string]any) (string, error) {
			return "Hello Ann", nil
		}},
		gateway: &fakeGateway{rec: rec, fn: func(int) (push.Receipt, error) {
			return push.Receipt{MessageID: "m-1"}, nil
		}},
		status: &fakeStatus{rec: rec},
		dlq:    &recordingSink{rec: rec},
	}

	policy := retry.DefaultPolicy()
	policy.NewTimer = func() backoff.Timer { return &instantTimer{rec: rec} }
	storePolicy := policy
	storePolicy.NewTimer = func() backoff.Timer { return &instantTimer{rec: &recorder{}} }

	h.p = &Pipeline{
		Store:        h.store,
		Renderer:     h.renderer,
		Gateway:      h.gateway,
		Status:       h.status,
		DeadLetter:   h.dlq,
		Policy:       policy,
		StorePolicy:  storePolicy,
		ProcessedTTL: idempotency.DefaultTTL,
		DefaultTitle: "Notification",
		Logger:       zerolog.Nop(),
	}
	return h
}

const welcomeBody = `{"request_id":"r1","user_id":"u1","template_code":"welcome","variables":{"name":"Ann"},"metadata":{"push_token":"tok-1"}}`

func TestHandleDelivers(t *testing.T) {
	h := newHarness()

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	assert.Equal(t, []string{"render", "send", "status:delivered:r1"}, h.rec.Events())
	require.Len(t, h.gateway.sent, 1)
	assert.Equal(t, sentPush{token: "tok-1", title: "Notification", body: "Hello Ann", metadata: map[string]any{"push_token": "tok-1"}}, h.gateway.sent[0])

	processed, err := h.store.IsProcessed(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, h.dlq.Messages())
}

func TestHandleMarksProcessedBeforeDeliveredStatus(t *testing.T) {
	h := newHarness()
	h.p.Store = &recordingStore{Store: h.store, rec: h.rec}

	var processedAtPublish bool
	h.status.onDelivered = func(id string) {
		processedAtPublish, _ = h.store.IsProcessed(context.Background(), id)
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.True(t, processedAtPublish)
	assert.Equal(t, []string{"render", "send", "mark_processed:r1", "status:delivered:r1"}, h.rec.Events())
}

func TestHandleSkipsDuplicate(t *testing.T) {
	h := newHarness()

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	state, err = h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)

	assert.Equal(t, 1, h.gateway.n)
	assert.Equal(t, 1, h.rec.count("status:delivered:r1"))
}

func TestHandleUsesTitleOverride(t *testing.T) {
	h := newHarness()
	body := `{"request_id":"r9","template_code":"welcome","metadata":{"push_token":"tok","title":"Welcome!"}}`

	_, err := h.p.Handle(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Len(t, h.gateway.sent, 1)
	assert.Equal(t, "Welcome!", h.gateway.sent[0].title)
}

func TestHandleMissingTokenDeadLetters(t *testing.T) {
	for name, body := range map[string]string{
		"absent":     `{"request_id":"r2","template_code":"welcome","metadata":{}}`,
		"blank":      `{"request_id":"r2","template_code":"welcome","metadata":{"push_token":"  "}}`,
		"not string": `{"request_id":"r2","template_code":"welcome","metadata":{"push_token":42}}`,
		"no meta":    `{"request_id":"r2","template_code":"welcome"}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()

			state, err := h.p.Handle(context.Background(), []byte(body))
			require.NoError(t, err)
			assert.Equal(t, StateDeadLettered, state)
			assert.Equal(t, []string{"dead_letter", "status:failed:r2"}, h.rec.Events())
			assert.Equal(t, body, string(h.dlq.Messages()[0].Body))
			assert.Contains(t, h.status.reasons["r2"], "missing_token")
		})
	}
}

func TestHandleTemplateNotFound(t *testing.T) {
	h := newHarness()
	h.renderer.fn = func(int, string, map[string]any) (string, error) {
		return "", push.TemplateNotFound(errors.New("welcome"))
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 1, h.renderer.n)
	assert.Equal(t, 0, h.gateway.n)
	assert.Equal(t, []string{"render", "dead_letter", "status:failed:r1"}, h.rec.Events())
	assert.Empty(t, h.rec.waits)
}

func TestHandleRendererExhausted(t *testing.T) {
	h := newHarness()
	h.renderer.fn = func(int, string, map[string]any) (string, error) {
		return "", push.RenderUnavailable(errors.New("503"))
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 5, h.renderer.n)
	assert.Equal(t, 0, h.gateway.n)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, h.rec.waits)
	assert.Equal(t, welcomeBody, string(h.dlq.Messages()[0].Body))
	assert.Equal(t, 1, h.rec.count("status:failed:r1"))
}

func TestHandleGatewayRecovers(t *testing.T) {
	h := newHarness()
	h.gateway.fn = func(call int) (push.Receipt, error) {
		if call < 5 {
			return push.Receipt{}, push.GatewayUnavailable(fmt.Errorf("attempt %d", call))
		}
		return push.Receipt{MessageID: "m-5"}, nil
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 5, h.gateway.n)
	assert.Equal(t, 1, h.rec.count("status:delivered:r1"))
	assert.Empty(t, h.dlq.Messages())
}

func TestHandleReceiptFailureIsRetried(t *testing.T) {
	h := newHarness()
	h.gateway.fn = func(int) (push.Receipt, error) {
		return push.Receipt{Failure: true, Diagnostic: "Unavailable"}, nil
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 5, h.gateway.n)
	assert.Contains(t, h.status.reasons["r1"], "gateway_rejected: Unavailable")

	// Dead letter is published before the failed status.
	events := h.rec.Events()
	assert.Equal(t, []string{"dead_letter", "status:failed:r1"}, events[len(events)-2:])

	processed, _ := h.store.IsProcessed(context.Background(), "r1")
	assert.False(t, processed)
}

func TestHandleInvalidToken(t *testing.T) {
	h := newHarness()
	h.gateway.fn = func(int) (push.Receipt, error) {
		return push.Receipt{}, push.InvalidToken(errors.New("NotRegistered"))
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 1, h.gateway.n)
	assert.Equal(t, 1, h.rec.count("status:failed:r1"))
}

func TestHandleUnexpectedFailures(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		setup func(h *harness)
	}{
		{name: "undecodable body", body: `{not json`},
		{name: "missing request id", body: `{"template_code":"welcome","metadata":{"push_token":"t"}}`},
		{
			name: "unclassified render error",
			body: welcomeBody,
			setup: func(h *harness) {
				h.renderer.fn = func(int, string, map[string]any) (string, error) { return "", errors.New("bug") }
			},
		},
		{
			name: "panic in gateway",
			body: welcomeBody,
			setup: func(h *harness) {
				h.gateway.fn = func(int) (push.Receipt, error) { panic("nil map") }
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			if tc.setup != nil {
				tc.setup(h)
			}

			state, err := h.p.Handle(context.Background(), []byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, StateDeadLettered, state)
			require.Len(t, h.dlq.Messages(), 1)
			assert.Equal(t, tc.body, string(h.dlq.Messages()[0].Body))
			for _, e := range h.rec.Events() {
				assert.NotContains(t, e, "status:")
			}
		})
	}
}

func TestHandleStoreRecovers(t *testing.T) {
	h := newHarness()
	store := &flakyStore{Store: h.store, failChecks: 2}
	h.p.Store = store

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 3, store.checks)
}

func TestHandleStoreExhausted(t *testing.T) {
	h := newHarness()
	store := &flakyStore{Store: h.store, failChecks: 100}
	h.p.Store = store

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 5, store.checks)
	assert.Equal(t, 0, h.renderer.n)
	assert.Equal(t, []string{"dead_letter"}, h.rec.Events())
}

func TestHandleDeadLetterUnavailable(t *testing.T) {
	h := newHarness()
	h.dlq.FailFirst = 100
	h.renderer.fn = func(int, string, map[string]any) (string, error) {
		return "", push.TemplateNotFound(errors.New("welcome"))
	}

	_, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.Error(t, err)
	assert.ErrorIs(t, err, queuetest.ErrUnavailable)
	assert.Equal(t, 5, h.dlq.Calls())
	assert.Equal(t, 0, h.rec.count("status:failed:r1"))
}

func TestHandleDeadLetterRetried(t *testing.T) {
	h := newHarness()
	h.dlq.FailFirst = 2
	h.renderer.fn = func(int, string, map[string]any) (string, error) {
		return "", push.TemplateNotFound(errors.New("welcome"))
	}

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateDeadLettered, state)
	assert.Equal(t, 3, h.dlq.Calls())
}

func TestHandleStatusFailureStillCompletes(t *testing.T) {
	h := newHarness()
	h.status.failErr = errors.New("broker down")

	state, err := h.p.Handle(context.Background(), []byte(welcomeBody))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	processed, _ := h.store.IsProcessed(context.Background(), "r1")
	assert.True(t, processed)
}

func TestRunAcksEveryMessage(t *testing.T) {
	h := newHarness()
	src := queuetest.NewSource()
	for i := 0; i < 25; i++ {
		src.Push([]byte(fmt.Sprintf(`{"request_id":"r%d","template_code":"welcome","metadata":{"push_token":"t"}}`, i)))
	}
	src.Push([]byte(`garbage`))
	src.Push([]byte(`{"request_id":"r0","template_code":"welcome","metadata":{"push_token":"t"}}`))
	src.Close()

	var mu sync.Mutex
	h.gateway.fn = func(int) (push.Receipt, error) { return push.Receipt{}, nil }
	h.p.Gateway = &lockedGateway{mu: &mu, next: h.gateway}
	h.p.Renderer = &lockedRenderer{mu: &mu, next: h.renderer}

	require.NoError(t, h.p.Run(context.Background(), src, 4))
	assert.Len(t, src.Acked(), 27)
	assert.Len(t, h.dlq.Messages(), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness()
	src := queuetest.NewSource([]byte(welcomeBody))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, src, 2) }()

	require.Eventually(t, func() bool { return len(src.Acked()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunDrainsInFlightOnCancel(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.gateway.fn = func(int) (push.Receipt, error) {
		close(entered)
		<-release
		return push.Receipt{MessageID: "m-1"}, nil
	}
	src := queuetest.NewSource([]byte(welcomeBody))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, src, 2) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request never reached the gateway")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("run returned while a request was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, src.Acked())

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after the in-flight request finished")
	}
	assert.Equal(t, []string{welcomeBody}, src.Acked())
	assert.Equal(t, 1, h.rec.count("status:delivered:r1"))
}

func TestRunFailsWhenDeadLetterUnavailable(t *testing.T) {
	h := newHarness()
	h.dlq.FailFirst = 1000
	src := queuetest.NewSource([]byte(`garbage`))

	err := h.p.Run(context.Background(), src, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, queuetest.ErrUnavailable)
	assert.Empty(t, src.Acked())
}

type lockedRenderer struct {
	mu   *sync.Mutex
	next Renderer
}

func (r *lockedRenderer) Render(ctx context.Context, code string, vars map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next.Render(ctx, code, vars)
}

type lockedGateway struct {
	mu   *sync.Mutex
	next Gateway
}

func (g *lockedGateway) Send(ctx context.Context, token, title, body string, metadata map[string]any) (push.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next.Send(ctx, token, title, body, metadata)
}
