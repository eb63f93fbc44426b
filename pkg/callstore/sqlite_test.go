package callstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCallLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCall(ctx, CallRecord{CallSid: "CA1", UserID: "u1", Phone: "+821012345678", Intent: "예약 문의", Status: "dialing"}))
	require.NoError(t, s.UpdateStatus(ctx, "CA1", "ringing", time.Now()))

	history := []conversation.Entry{
		{Role: conversation.RoleCaller, Text: "예약 가능한가요?", At: time.UnixMilli(1000)},
		{Role: conversation.RoleOperator, Text: "네 가능합니다", At: time.UnixMilli(2000)},
	}
	require.NoError(t, s.SaveOutcome(ctx, "CA1", Outcome{EndReason: "remote", History: history}))
	require.NoError(t, s.SaveSummary(ctx, "CA1", "예약 가능"))

	rec, err := s.GetCall(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "completed", rec.Status)
	require.Equal(t, "remote", rec.EndReason)
	require.Equal(t, "예약 가능", rec.Summary)
	require.Equal(t, "손님: 예약 가능한가요?\n직원: 네 가능합니다", rec.Transcript)
	require.Len(t, rec.History, 2)
	require.Equal(t, conversation.RoleOperator, rec.History[1].Role)
	require.False(t, rec.EndedAt.IsZero())
}

func TestCreateCallDoesNotClobber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpdateStatus(ctx, "CA2", "in-progress", time.Now()))
	require.NoError(t, s.CreateCall(ctx, CallRecord{CallSid: "CA2", UserID: "u2"}))
	rec, err := s.GetCall(ctx, "CA2")
	require.NoError(t, err)
	require.Equal(t, "u2", rec.UserID)
	require.Equal(t, "in-progress", rec.Status)
}

func TestGetCallNotFound(t *testing.T) {
	_, err := newTestStore(t).GetCall(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListCallsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now()
	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		require.NoError(t, s.CreateCall(ctx, CallRecord{CallSid: sid, Status: "dialing", CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	recs, err := s.ListCalls(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "CA3", recs[0].CallSid)
	require.Equal(t, "CA2", recs[1].CallSid)
}

func TestVoicePreference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.VoicePreference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "", id)

	require.NoError(t, s.SetVoicePreference(ctx, "u1", "voice-a", "calm_female"))
	require.NoError(t, s.SetVoicePreference(ctx, "u1", "voice-b", ""))
	id, err = s.VoicePreference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "voice-b", id)

	require.Error(t, s.SetVoicePreference(ctx, "", "voice-a", ""))
}
