package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

func TestInMemoryBusPreservesOrder(t *testing.T) {
	bus := NewInMemoryBus(watermill.NopLogger{})
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Event
	go func() {
		_ = bus.Run(ctx, func(ev Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()
	<-bus.Ready()

	require.NoError(t, bus.Publish(ctx, Transcript("CA1", "예약 가능합니다", conversation.RoleOperator)))
	require.NoError(t, bus.Publish(ctx, Recommendations("CA1", []string{"a", "b", "c"}, 1)))
	require.NoError(t, bus.Publish(ctx, CallEnded("CA1", EndReasonRemote)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, TypeTranscript, got[0].Type)
	require.Equal(t, "예약 가능합니다", got[0].Data["text"])
	require.Equal(t, TypeRecommendations, got[1].Type)
	require.Equal(t, []any{"a", "b", "c"}, got[1].Data["replies"])
	require.Equal(t, TypeCallEnded, got[2].Type)
	require.Equal(t, "CA1", got[2].CallSid)
}

func TestRedisSettingsGroupIsPerConsumer(t *testing.T) {
	s := RedisSettings{GroupPrefix: "cp", Consumer: "node-a"}
	require.Equal(t, "cp:node-a", s.group())
	s.GroupPrefix = ""
	require.Equal(t, "callpilot:node-a", s.group())
}

func TestRedisSettingsMaxLenDefault(t *testing.T) {
	require.Equal(t, int64(DefaultStreamLen), RedisSettings{}.maxLen())
	require.Equal(t, int64(500), RedisSettings{MaxLen: 500}.maxLen())
}

type destroyRecorder struct {
	stream, group string
	err           error
}

func (d *destroyRecorder) XGroupDestroy(_ context.Context, stream, group string) *redis.IntCmd {
	d.stream, d.group = stream, group
	return redis.NewIntResult(1, d.err)
}

func TestDestroyGroupOnClose(t *testing.T) {
	d := &destroyRecorder{}
	require.NoError(t, destroyGroup(d, DefaultTopic, "cp:node-a")())
	require.Equal(t, DefaultTopic, d.stream)
	require.Equal(t, "cp:node-a", d.group)

	d.err = errors.New("connection refused")
	require.Error(t, destroyGroup(d, DefaultTopic, "cp:node-a")())
}
