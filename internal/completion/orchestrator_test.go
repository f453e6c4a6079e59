package completion

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one scripted provider reaction.
type step struct {
	content string
	status  int
	err     error
	block   bool // wait for the per-attempt deadline
}

func ok(text string) step { return step{content: text, status: http.StatusOK} }

func empty() step { return step{content: "   ", status: http.StatusOK} }

func httpErr(code int) step { return step{status: code, err: &StatusError{StatusCode: code}} }

func transport(msg string) step { return step{err: errors.New(msg)} }

type call struct {
	credential string
	model      string
}

// scriptedClient replays steps per credential/model; when a script runs out it keeps
// returning the last step.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[call][]step
	calls   []call
}

func newScripted() *scriptedClient {
	return &scriptedClient{scripts: make(map[call][]step)}
}

func (c *scriptedClient) on(credential, model string, steps ...step) *scriptedClient {
	c.scripts[call{credential, model}] = steps
	return c
}

func (c *scriptedClient) ChatCompletion(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
	c.mu.Lock()
	key := call{credential, req.Model}
	c.calls = append(c.calls, key)
	steps := c.scripts[key]
	var s step
	switch {
	case len(steps) == 0:
		s = httpErr(http.StatusServiceUnavailable)
	case len(steps) == 1:
		s = steps[0]
	default:
		s = steps[0]
		c.scripts[key] = steps[1:]
	}
	c.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &ChatResponse{StatusCode: s.status, Content: s.content}, s.err
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestOrchestrator(t *testing.T, client ChatClient, cfg Config) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	o, err := New(client, cfg, WithSleep(rec.sleep))
	require.NoError(t, err)
	return o, rec
}

func conv() Conversation {
	return NewConversation(
		Message{Role: RoleSystem, Content: "triage"},
		Message{Role: RoleUser, Content: "printer on fire"},
	)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	client := newScripted()

	_, err := New(client, Config{Models: []string{"m"}})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = New(client, Config{Models: []string{"m"}, Credentials: []string{"", "  "}})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = New(client, Config{Credentials: []string{"k"}})
	assert.ErrorIs(t, err, ErrNoModels)

	_, err = New(nil, Config{Credentials: []string{"k"}, Models: []string{"m"}})
	assert.ErrorIs(t, err, ErrNilClient)

	_, err = New(client, Config{Credentials: []string{"k"}, Models: []string{"m"}, MaxRetries: -1})
	assert.Error(t, err)

	assert.Empty(t, client.calls, "configuration errors must not touch the network")
}

func TestComplete_SuccessFirstTry(t *testing.T) {
	client := newScripted().on("k0", "primary", ok("done"))
	o, rec := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"primary"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, "primary", out.UsedModel)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, Attempt{Credential: 0, Model: "primary", Attempt: 0, Status: 200, LatencyMs: out.Trace[0].LatencyMs}, out.Trace[0])
	assert.Empty(t, rec.delays)
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	for n := 0; n <= 2; n++ {
		steps := make([]step, 0, n+1)
		for i := 0; i < n; i++ {
			steps = append(steps, httpErr(http.StatusTooManyRequests))
		}
		steps = append(steps, ok("fine"))

		client := newScripted().on("k0", "m", steps...)
		o, rec := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"m"}, MaxRetries: 2})

		out := o.Complete(context.Background(), conv())

		require.True(t, out.OK(), "n=%d", n)
		require.Len(t, out.Trace, n+1, "n=%d", n)
		for i, a := range out.Trace {
			assert.Equal(t, i, a.Attempt)
			assert.Equal(t, "m", a.Model)
		}
		assert.Len(t, rec.delays, n)
	}
}

func TestComplete_BackoffIsExponentialWithoutJitter(t *testing.T) {
	client := newScripted().on("k0", "m", httpErr(http.StatusBadGateway))
	o, rec := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"m"}, MaxRetries: 3})

	out := o.Complete(context.Background(), conv())

	require.False(t, out.OK())
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond}, rec.delays)
	assert.Equal(t, "backoff 800ms", out.Trace[0].Note)
	assert.Equal(t, "backoff 1600ms", out.Trace[1].Note)
	assert.Equal(t, int64(3200), out.Trace[2].BackoffMs)
	assert.Zero(t, out.Trace[3].BackoffMs, "no backoff after the final attempt")
}

func TestComplete_NotFoundSkipsModelWithoutBackoff(t *testing.T) {
	client := newScripted().
		on("k0", "primary", httpErr(http.StatusNotFound)).
		on("k0", "fallback", ok("from fallback"))
	o, rec := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"primary", "fallback"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	assert.Equal(t, "fallback", out.UsedModel)
	assert.Empty(t, rec.delays)
	assert.Zero(t, out.Trace.Backoffs())

	require.Len(t, out.Trace, 3)
	assert.Equal(t, NoteModelNotFound, out.Trace[0].Note)
	assert.Equal(t, 404, out.Trace[0].Status)
	assert.Equal(t, NoteSwitchModel, out.Trace[1].Note)
	assert.Equal(t, "fallback", out.Trace[2].Model)
	assert.Equal(t, 0, out.Trace[2].Attempt, "attempt counter resets on the next model")
}

func TestComplete_NotFoundDoesNotSkipCredential(t *testing.T) {
	client := newScripted().
		on("k0", "only", httpErr(http.StatusNotFound)).
		on("k1", "only", ok("second key serves it"))
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0", "k1"}, Models: []string{"only"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	assert.Equal(t, "second key serves it", out.Text)
	assert.Equal(t, []call{{"k0", "only"}, {"k1", "only"}}, client.calls)
}

func TestComplete_EmptyCompletionFallsBackToNextModel(t *testing.T) {
	client := newScripted().
		on("k0", "primary", empty()).
		on("k0", "fallback", ok("{}"))
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"primary", "fallback"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	require.Len(t, out.Trace, 5)
	for i := 0; i < 3; i++ {
		assert.True(t, out.Trace[i].HasNote(NoteEmptyCompletion), "record %d: %q", i, out.Trace[i].Note)
		assert.Equal(t, "primary", out.Trace[i].Model)
	}
	assert.Equal(t, NoteSwitchModel, out.Trace[3].Note)
	assert.Equal(t, "fallback", out.Trace[4].Model)
	assert.Equal(t, 0, out.Trace[4].Credential)
}

func TestComplete_SwitchesCredentialAfterExhaustion(t *testing.T) {
	client := newScripted().
		on("k0", "a", httpErr(http.StatusServiceUnavailable)).
		on("k0", "b", transport("connection reset")).
		on("k1", "a", ok("k1 works"))
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0", "k1"}, Models: []string{"a", "b"}, MaxRetries: 1})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	markerAt := -1
	firstK1 := -1
	for i, a := range out.Trace {
		if a.Note == NoteSwitchAPIKey && markerAt < 0 {
			markerAt = i
		}
		if a.Credential == 1 && !a.Marker() && firstK1 < 0 {
			firstK1 = i
		}
	}
	require.GreaterOrEqual(t, markerAt, 0)
	assert.Less(t, markerAt, firstK1)
	assert.Equal(t, 1, out.Trace[markerAt].Credential)

	// k0: 2 calls on a, marker, 2 calls on b, key marker, 1 call on k1/a
	assert.Len(t, out.Trace, 7)
	assert.Equal(t, 5, out.Trace.Calls())
	assert.True(t, out.Trace[3].HasNote(NoteTransportError))
}

func TestComplete_FatalStatusAbortsEverything(t *testing.T) {
	client := newScripted().
		on("k0", "a", httpErr(http.StatusBadRequest)).
		on("k0", "b", ok("never")).
		on("k1", "a", ok("never"))
	o, rec := newTestOrchestrator(t, client, Config{Credentials: []string{"k0", "k1"}, Models: []string{"a", "b"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.False(t, out.OK())
	assert.True(t, IsFatal(out.Err))
	var statusErr *StatusError
	require.ErrorAs(t, out.Err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, NoteFatal, out.Trace[0].Note)
	assert.Len(t, client.calls, 1)
	assert.Empty(t, rec.delays)
}

func TestComplete_InternalServerErrorIsFatal(t *testing.T) {
	client := newScripted().on("k0", "a", httpErr(http.StatusInternalServerError))
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0", "k1"}, Models: []string{"a"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	assert.True(t, IsFatal(out.Err))
	assert.Len(t, client.calls, 1)
}

func TestComplete_ExhaustedKeepsTrace(t *testing.T) {
	client := newScripted()
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0", "k1"}, Models: []string{"a", "b"}, MaxRetries: 2})

	out := o.Complete(context.Background(), conv())

	require.False(t, out.OK())
	assert.True(t, IsExhausted(out.Err))
	assert.Equal(t, 12, out.Trace.Calls())
	// two model switches and one key switch; no marker after the last key
	assert.Len(t, out.Trace, 15)
	last := out.Trace[len(out.Trace)-1]
	assert.Equal(t, "b", last.Model)
	assert.Equal(t, 1, last.Credential)
	assert.False(t, last.Marker())
	keySwitches := 0
	for _, a := range out.Trace {
		if a.Note == NoteSwitchAPIKey {
			keySwitches++
			assert.Less(t, a.Credential, 2, "marker must name a real key")
		}
	}
	assert.Equal(t, 1, keySwitches)
	var statusErr *StatusError
	require.ErrorAs(t, out.Err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestComplete_PerAttemptTimeout(t *testing.T) {
	client := newScripted().
		on("k0", "slow", step{block: true}, ok("second try"))
	o, rec := newTestOrchestrator(t, client, Config{
		Credentials:    []string{"k0"},
		Models:         []string{"slow"},
		MaxRetries:     1,
		AttemptTimeout: 20 * time.Millisecond,
	})

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	require.Len(t, out.Trace, 2)
	assert.Equal(t, 0, out.Trace[0].Status)
	assert.True(t, out.Trace[0].HasNote(NoteTimeout))
	assert.Equal(t, []time.Duration{800 * time.Millisecond}, rec.delays)
}

func TestComplete_CallerCancellationStopsSearch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := newScripted().on("k0", "a", httpErr(http.StatusServiceUnavailable))
	o, err := New(client, Config{Credentials: []string{"k0"}, Models: []string{"a"}, MaxRetries: 5},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))
	require.NoError(t, err)

	out := o.Complete(ctx, conv())

	require.False(t, out.OK())
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Len(t, out.Trace, 1)
}

func TestCompleteWith_OverridesModels(t *testing.T) {
	client := newScripted().on("k0", "override", ok("yes"))
	o, _ := newTestOrchestrator(t, client, Config{Credentials: []string{"k0"}, Models: []string{"default"}, MaxRetries: 0})

	out := o.CompleteWith(context.Background(), conv(), []string{" ", "override"})
	require.True(t, out.OK())
	assert.Equal(t, "override", out.UsedModel)

	out = o.CompleteWith(context.Background(), conv(), nil)
	assert.Equal(t, "default", client.calls[len(client.calls)-1].model)
	assert.False(t, out.OK())
}

func TestConversation_IsImmutable(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "a"}}
	c := NewConversation(msgs...)
	msgs[0].Content = "changed"

	got := c.Messages()
	got[0].Content = "also changed"

	assert.Equal(t, "a", c.Messages()[0].Content)
	assert.Equal(t, 1, c.Len())
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{429, true}, {502, true}, {503, true}, {504, true},
		{500, false}, {400, false}, {401, false}, {404, false}, {200, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryableStatus(tt.code), "status %d", tt.code)
	}
}

func TestComplete_LogsFailureClass(t *testing.T) {
	var buf bytes.Buffer
	client := newScripted().
		on("k0", "a", httpErr(http.StatusServiceUnavailable), ok("{}"))
	rec := &sleepRecorder{}
	o, err := New(client, Config{Credentials: []string{"k0"}, Models: []string{"a"}, MaxRetries: 1},
		WithSleep(rec.sleep), WithLogger(zerolog.New(&buf).Level(zerolog.InfoLevel)))
	require.NoError(t, err)

	out := o.Complete(context.Background(), conv())

	require.True(t, out.OK())
	assert.Contains(t, buf.String(), `"class":"retryable"`)
}
