package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

type stubChannel struct {
	id     string
	mu     sync.Mutex
	closed int
}

func (c *stubChannel) ID() string { return c.id }

func (c *stubChannel) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *stubChannel) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a, created := r.Upsert("CA1")
	require.True(t, created)
	b, created := r.Upsert("CA1")
	require.False(t, created)
	require.Same(t, a, b)
	require.Equal(t, StateDialing, a.State())
}

func TestStateAdvancesForwardOnly(t *testing.T) {
	s := newSession("CA1", time.Now())
	require.True(t, s.Advance(StateRinging))
	require.True(t, s.Advance(StateInProgress))
	require.False(t, s.Advance(StateRinging))
	require.False(t, s.Advance(StateInProgress))
	require.False(t, s.Advance(StateCompleted))
	require.True(t, s.Complete())
	require.False(t, s.Complete())
	require.False(t, s.Advance(StateInProgress))
	require.Equal(t, StateCompleted, s.State())
}

func TestBindMediaClosesPrevious(t *testing.T) {
	s := newSession("CA1", time.Now())
	first := &stubChannel{id: "m1"}
	second := &stubChannel{id: "m2"}

	require.Nil(t, s.BindMedia(first))
	require.Same(t, first, s.BindMedia(second))
	require.Equal(t, 1, first.closedCount())
	require.Equal(t, 0, second.closedCount())
	require.Same(t, second, s.Media())

	// the displaced socket cleaning up must not unbind its successor
	require.False(t, s.UnbindMedia(first))
	require.Same(t, second, s.Media())
	require.True(t, s.UnbindMedia(second))
	require.Nil(t, s.Media())
}

func TestRebindSameChannelDoesNotClose(t *testing.T) {
	s := newSession("CA1", time.Now())
	ch := &stubChannel{id: "m1"}
	s.BindMedia(ch)
	s.BindMedia(ch)
	require.Equal(t, 0, ch.closedCount())
}

func TestRecommendationsLaterSetWins(t *testing.T) {
	s := newSession("CA1", time.Now())
	seq1, ok := s.NextRecommendationSeq()
	require.True(t, ok)
	seq2, ok := s.NextRecommendationSeq()
	require.True(t, ok)

	require.True(t, s.ApplyRecommendations(seq2, []string{"b1", "b2", "b3"}))
	require.False(t, s.ApplyRecommendations(seq1, []string{"a1", "a2", "a3"}))
	require.Equal(t, []string{"b1", "b2", "b3"}, s.Recommendations())
}

func TestCompletedSessionRejectsWork(t *testing.T) {
	s := newSession("CA1", time.Now())
	seq, _ := s.NextRecommendationSeq()
	require.True(t, s.AppendHistory(conversation.RoleOperator, "안녕하세요", time.Now()))
	s.Complete()

	require.False(t, s.ApplyRecommendations(seq, []string{"x", "y", "z"}))
	require.False(t, s.AppendHistory(conversation.RoleOperator, "늦은 말", time.Now()))
	_, ok := s.NextRecommendationSeq()
	require.False(t, ok)
	require.Len(t, s.History(), 1)
}

func TestReservationKeepsProcessingOrder(t *testing.T) {
	s := newSession("CA1", time.Now())
	t0 := time.Now()
	res, ok := s.Reserve(conversation.RoleCaller, "네, 가능할까요?", t0)
	require.True(t, ok)
	require.True(t, s.AppendHistory(conversation.RoleOperator, "잠시만요", t0.Add(time.Second)))

	require.Len(t, s.History(), 1)
	require.True(t, s.Commit(res))
	require.False(t, s.Commit(res))

	h := s.History()
	require.Len(t, h, 2)
	require.Equal(t, conversation.RoleCaller, h[0].Role)
	require.Equal(t, "잠시만요", h[1].Text)
}

func TestReservationDiscard(t *testing.T) {
	s := newSession("CA1", time.Now())
	res, _ := s.Reserve(conversation.RoleCaller, "x", time.Now())
	s.Discard(res)
	require.Empty(t, s.History())
}

func TestCommitAfterCompletionDropsEntry(t *testing.T) {
	s := newSession("CA1", time.Now())
	res, _ := s.Reserve(conversation.RoleCaller, "x", time.Now())
	s.Complete()
	require.False(t, s.Commit(res))
	require.Empty(t, s.History())
}

func TestPlayedBounded(t *testing.T) {
	s := newSession("CA1", time.Now())
	for i := 0; i < PlayedCapacity+5; i++ {
		s.RecordPlayed(Played{Text: string(rune('a' + i))})
	}
	played := s.Played()
	require.Len(t, played, PlayedCapacity)
	require.Equal(t, string(rune('a'+5)), played[0].Text)
}

func TestMarkSummarizedOnce(t *testing.T) {
	s := newSession("CA1", time.Now())
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkSummarized() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestPurgeKeepsTombstone(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Upsert("CA1")
	ch := &stubChannel{id: "m1"}
	s.BindMedia(ch)
	s.Complete()
	r.Purge("CA1")

	_, live := r.Get("CA1")
	require.False(t, live)
	require.Equal(t, 1, ch.closedCount())

	again, created := r.Upsert("CA1")
	require.False(t, created)
	require.Same(t, s, again)
	require.True(t, again.IsCompleted())
}

func TestEvictIdleOnce(t *testing.T) {
	r := NewRegistry()
	var evicted []string
	r.SetEvictionConfig(time.Minute, time.Second, func(s *Session) {
		evicted = append(evicted, s.ID)
		r.Purge(s.ID)
	})
	stale, _ := r.Upsert("stale")
	busy, _ := r.Upsert("busy")
	withMedia, _ := r.Upsert("media")
	withMedia.BindMedia(&stubChannel{id: "m"})

	now := time.Now().Add(2 * time.Minute)
	stale.Touch(now.Add(-2 * time.Minute))
	busy.Touch(now)
	withMedia.Touch(now.Add(-time.Hour))

	require.Equal(t, 1, r.evictIdleOnce(now))
	require.Equal(t, []string{"stale"}, evicted)
	require.Equal(t, 2, r.Len())

	// tombstones expire after the TTL
	r.evictIdleOnce(now.Add(DefaultEndedTTL + time.Hour))
	_, known := r.Lookup("stale")
	require.False(t, known)
}

func TestStartEvictionLoopStopsWithContext(t *testing.T) {
	r := NewRegistry()
	r.SetEvictionConfig(time.Millisecond, 5*time.Millisecond, nil)
	r.Upsert("CA1")
	ctx, cancel := context.WithCancel(context.Background())
	r.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}
