package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chatpulse/internal/chat"
	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/internal/normalize"
	"github.com/wolfman30/chatpulse/internal/responsetime"
)

var base = time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)

type harness struct {
	store   *events.MemoryStore
	repo    *chat.MemoryRepository
	states  *responsetime.MemoryStateStore
	turns   *responsetime.MemoryTurnStore
	tracker *responsetime.Tracker
	coord   *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  events.NewMemoryStore(),
		repo:   chat.NewMemoryRepository(),
		states: responsetime.NewMemoryStateStore(),
		turns:  responsetime.NewMemoryTurnStore(),
	}
	h.tracker = responsetime.NewTracker(h.states, h.turns, nil)
	h.coord = NewCoordinator(h.store, h.repo, h.tracker, nil).WithProcessingTimeout(time.Second)
	return h
}

func msg(id, source string, at time.Time) map[string]any {
	return map[string]any{
		"_t":         "Message",
		"Id":         id,
		"Source":     source,
		"Content":    "hi",
		"EventAtUTC": at.Format(time.RFC3339),
	}
}

func chatEnvelope(t *testing.T, eventID string, closed bool, messages ...map[string]any) []byte {
	t.Helper()
	content := map[string]any{
		"_t":           "Chat",
		"Id":           "chat-1",
		"Organization": map[string]any{"Id": "org-1"},
		"Contact": map[string]any{
			"_t":          "BasicContactModel",
			"Id":          "contact-1",
			"PhoneNumber": "+1 555 010 2000",
		},
		"Messages": messages,
		"Open":     !closed,
	}
	if closed {
		content["ClosedAtUTC"] = base.Add(time.Hour).Format(time.RFC3339)
	}
	body, err := json.Marshal(map[string]any{
		"Type":      "Message",
		"EventDate": base.Format(time.RFC3339),
		"EventId":   eventID,
		"Payload":   map[string]any{"Type": "Chat", "Content": content},
	})
	require.NoError(t, err)
	return body
}

func TestIngestFixture(t *testing.T) {
	h := newHarness(t)
	body, err := os.ReadFile("../webhook/testdata/chat_message.json")
	require.NoError(t, err)

	res, err := h.coord.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "ZjOGnF0e4lYvAAAB", res.EventID)
	assert.Equal(t, "Message", res.EventType)
	assert.False(t, res.Duplicate)

	ev, err := h.store.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Nil(t, ev.ErrorMessage)

	contacts, convs, msgs := h.repo.Counts()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{contacts, convs, msgs})

	pending, err := h.tracker.Pending(context.Background(), responsetime.Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, base.Equal(pending[0].CustomerMessageTime))
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	body := chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base))

	const n = 20
	var fresh, dupes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.Ingest(context.Background(), body)
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			if res.Duplicate {
				dupes.Add(1)
			} else {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, int32(n-1), dupes.Load())
	contacts, convs, msgs := h.repo.Counts()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{contacts, convs, msgs})

	ev, err := h.store.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Zero(t, ev.RetryCount)
}

func TestIngestPairsReplyAcrossEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)
	res, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-2", false, msg("m2", "OrganizationMember", base.Add(200*time.Second))))
	require.NoError(t, err)
	require.NoError(t, res.Err)

	turns, err := h.turns.ListTurns(ctx, responsetime.Filter{})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, responsetime.BucketFast, turns[0].Bucket)
	assert.Equal(t, 200.0, turns[0].ElapsedSeconds)

	pending, err := h.tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIngestCloseAbandonsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)
	_, err = h.coord.Ingest(ctx, chatEnvelope(t, "evt-2", true))
	require.NoError(t, err)

	pending, err := h.tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, h.turns.Len())
}

func TestIngestOrderingErrorsDoNotFailEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base.Add(time.Hour))))
	require.NoError(t, err)
	res, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-2", false, msg("m2", "OrganizationMember", base)))
	require.NoError(t, err)
	assert.NoError(t, res.Err)

	ev, err := h.store.Get(ctx, "evt-2")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Zero(t, h.turns.Len())
}

func TestIngestInvalidPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Ingest(context.Background(), []byte(`{"Type":"Message"`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.coord.Ingest(context.Background(), []byte(`{"Type":"Message","Payload":{}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	failed, err := h.store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestIngestStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	assert.ErrorIs(t, err, events.ErrStoreUnavailable)
}

func TestIngestNormalizationErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	body, err := json.Marshal(map[string]any{
		"Type":    "Message",
		"EventId": "evt-bad",
		"Payload": map[string]any{"Type": "Chat", "Content": map[string]any{
			"_t":       "Chat",
			"Id":       "chat-9",
			"Contact":  map[string]any{"_t": "BasicContactModel", "Name": "nobody"},
			"Messages": []any{msg("m9", "Contact", base)},
		}},
	})
	require.NoError(t, err)

	res, err := h.coord.Ingest(context.Background(), body)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.True(t, normalize.IsNormalizationError(res.Err))

	ev, err := h.store.Get(context.Background(), "evt-bad")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.ErrorMessage)
	assert.Zero(t, ev.RetryCount)

	failed, err := h.store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt-bad", failed[0].EventID)
}

// flakyTurns fails the first n inserts.
type flakyTurns struct {
	*responsetime.MemoryTurnStore
	failures atomic.Int32
}

func (f *flakyTurns) Insert(ctx context.Context, turn *responsetime.ResponseTurn) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("turn store down")
	}
	return f.MemoryTurnStore.Insert(ctx, turn)
}

func TestRetryRebuildsFromHistory(t *testing.T) {
	store := events.NewMemoryStore()
	repo := chat.NewMemoryRepository()
	turns := &flakyTurns{MemoryTurnStore: responsetime.NewMemoryTurnStore()}
	turns.failures.Store(1)
	tracker := responsetime.NewTracker(responsetime.NewMemoryStateStore(), turns, nil)
	coord := NewCoordinator(store, repo, tracker, nil)
	ctx := context.Background()

	body := chatEnvelope(t, "evt-1", false,
		msg("m1", "Contact", base),
		msg("m2", "OrganizationMember", base.Add(90*time.Second)),
	)
	res, err := coord.Ingest(ctx, body)
	require.NoError(t, err)
	require.Error(t, res.Err)

	ev, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.Equal(t, 1, ev.RetryCount)

	NewSweeper(store, coord, nil).drain(ctx)

	ev, err = store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.Equal(t, 1, turns.Len())
	listed, err := turns.ListTurns(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Equal(t, responsetime.BucketVeryFast, listed[0].Bucket)

	// Processing again is a no-op.
	require.NoError(t, coord.Process(ctx, "evt-1"))
	assert.Equal(t, 1, turns.Len())
}

func TestIngestDispatchesWhenQueued(t *testing.T) {
	h := newHarness(t)
	queue := NewMemoryQueue(4)
	h.coord.WithDispatcher(NewQueueDispatcher(queue))

	res, err := h.coord.Ingest(context.Background(), chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, queue.Len())

	ev, err := h.store.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, ev.Processed)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string) error { return errors.New("queue down") }

func TestIngestDispatchFailureStillRecorded(t *testing.T) {
	h := newHarness(t)
	h.coord.WithDispatcher(failingDispatcher{})

	res, err := h.coord.Ingest(context.Background(), chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)
	assert.False(t, res.Queued)

	retryable, err := h.store.ListRetryable(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
}

func TestRebuildOpenRestoresPendingState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)

	// A cold start: the state store is empty but history survives.
	states := responsetime.NewMemoryStateStore()
	tracker := responsetime.NewTracker(states, h.turns, nil)
	coord := NewCoordinator(h.store, h.repo, tracker, nil)

	pending, err := tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	require.Empty(t, pending)

	n, err := coord.RebuildOpen(ctx, h.repo, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, base.Equal(pending[0].CustomerMessageTime))
}

func ingestReopenedConversation(t *testing.T, coord *Coordinator) Result {
	t.Helper()
	ctx := context.Background()
	_, err := coord.Ingest(ctx, chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)))
	require.NoError(t, err)
	_, err = coord.Ingest(ctx, chatEnvelope(t, "evt-2", true))
	require.NoError(t, err)
	res, err := coord.Ingest(ctx, chatEnvelope(t, "evt-3", false,
		msg("m2", "Contact", base.Add(2*time.Hour)),
		msg("m3", "OrganizationMember", base.Add(2*time.Hour+time.Minute)),
	))
	require.NoError(t, err)
	return res
}

func TestRebuildOpenAfterReopenMatchesLiveTracking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := ingestReopenedConversation(t, h.coord)
	require.NoError(t, res.Err)
	require.Equal(t, 1, h.turns.Len())

	states := responsetime.NewMemoryStateStore()
	tracker := responsetime.NewTracker(states, h.turns, nil)
	n, err := NewCoordinator(h.store, h.repo, tracker, nil).RebuildOpen(ctx, h.repo, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turns, err := h.turns.ListTurns(ctx, responsetime.Filter{})
	require.NoError(t, err)
	require.Len(t, turns, 1, "the message abandoned by the close must not be paired")
	assert.Equal(t, 60.0, turns[0].ElapsedSeconds)

	pending, err := tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryAfterReopenPairsOnlyReopenedMessage(t *testing.T) {
	store := events.NewMemoryStore()
	repo := chat.NewMemoryRepository()
	turns := &flakyTurns{MemoryTurnStore: responsetime.NewMemoryTurnStore()}
	turns.failures.Store(1)
	tracker := responsetime.NewTracker(responsetime.NewMemoryStateStore(), turns, nil)
	coord := NewCoordinator(store, repo, tracker, nil)
	ctx := context.Background()

	res := ingestReopenedConversation(t, coord)
	require.Error(t, res.Err)

	NewSweeper(store, coord, nil).drain(ctx)

	ev, err := store.Get(ctx, "evt-3")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	listed, err := turns.ListTurns(ctx, responsetime.Filter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 60.0, listed[0].ElapsedSeconds)

	pending, err := tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// gatedTurns blocks the first insert until released, then fails it.
type gatedTurns struct {
	*responsetime.MemoryTurnStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTurns) Insert(ctx context.Context, turn *responsetime.ResponseTurn) (bool, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
		return false, errors.New("turn store down")
	}
	return g.MemoryTurnStore.Insert(ctx, turn)
}

func TestSweepDuringInlineAttemptConverges(t *testing.T) {
	store := events.NewMemoryStore()
	repo := chat.NewMemoryRepository()
	turns := &gatedTurns{
		MemoryTurnStore: responsetime.NewMemoryTurnStore(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	tracker := responsetime.NewTracker(responsetime.NewMemoryStateStore(), turns, nil)
	coord := NewCoordinator(store, repo, tracker, nil)
	ctx := context.Background()

	body := chatEnvelope(t, "evt-1", false,
		msg("m1", "Contact", base),
		msg("m2", "OrganizationMember", base.Add(90*time.Second)),
	)

	var wg sync.WaitGroup
	var inline Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		inline, _ = coord.Ingest(ctx, body)
	}()
	<-turns.entered

	// The sweep sees the event unprocessed with no retries while the inline
	// attempt is still running.
	wg.Add(1)
	go func() {
		defer wg.Done()
		NewSweeper(store, coord, nil).drain(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(turns.release)
	wg.Wait()

	require.Error(t, inline.Err)
	ev, err := store.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, 1, turns.Len())

	pending, err := tracker.Pending(ctx, responsetime.Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessLockKeyIgnoresSurroundingSpace(t *testing.T) {
	assert.Equal(t, conversationLockKey("chat-1"), conversationLockKey("  chat-1 "))
	assert.Empty(t, conversationLockKey("   "))

	h := newHarness(t)
	body := bytes.Replace(chatEnvelope(t, "evt-1", false, msg("m1", "Contact", base)),
		[]byte(`"Id":"chat-1"`), []byte(`"Id":" chat-1 "`), 1)
	_, err := h.store.Record(context.Background(), "evt-1", "Message", body)
	require.NoError(t, err)

	// Held the way RebuildOpen takes it, from the stored external id.
	unlock := h.coord.locks.Lock(conversationLockKey("chat-1"))
	done := make(chan error, 1)
	go func() { done <- h.coord.Process(context.Background(), "evt-1") }()

	select {
	case err := <-done:
		t.Fatalf("process ran while the conversation was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	require.NoError(t, <-done)
}
