package events

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopic     = "callpilot.session-events"
	DefaultStreamLen = 10000

	metadataCallSid   = "call_sid"
	metadataEventType = "event_type"
)

// Bus carries session events over a single watermill topic. Every instance
// subscribes once and forwards what it receives to its locally bound clients.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	closers    []func() error

	readyOnce sync.Once
	ready     chan struct{}
}

// NewInMemoryBus returns a process-local bus. Publish blocks until the
// forwarder has acked, so events reach clients in publish order.
func NewInMemoryBus(logger watermill.LoggerAdapter) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Bus{
		publisher:  ch,
		subscriber: ch,
		topic:      DefaultTopic,
		closers:    []func() error{ch.Close},
		ready:      make(chan struct{}),
	}
}

type RedisSettings struct {
	Addr string
	// GroupPrefix is combined with Consumer into a per-instance consumer group
	// so that every instance observes every event.
	GroupPrefix string
	Consumer    string
	// MaxLen caps the stream; older events are trimmed.
	MaxLen int64
}

func (s RedisSettings) group() string {
	prefix := s.GroupPrefix
	if prefix == "" {
		prefix = "callpilot"
	}
	return prefix + ":" + s.consumer()
}

func (s RedisSettings) maxLen() int64 {
	if s.MaxLen <= 0 {
		return DefaultStreamLen
	}
	return s.MaxLen
}

func (s RedisSettings) consumer() string {
	if s.Consumer != "" {
		return s.Consumer
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + watermill.NewShortUUID()
}

// NewRedisBus builds a bus on Redis Streams.
func NewRedisBus(ctx context.Context, s RedisSettings, logger watermill.LoggerAdapter) (*Bus, error) {
	if s.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	s.Consumer = s.consumer()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", s.Addr)
	}
	group := s.group()
	if err := ensureGroupAtTail(ctx, client, DefaultTopic, group); err != nil {
		_ = client.Close()
		return nil, err
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
		Maxlens:    map[string]int64{DefaultTopic: s.maxLen()},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}
	log.Info().Str("component", "events").Str("addr", s.Addr).Str("group", group).Msg("using redis streams event bus")
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		topic:      DefaultTopic,
		closers:    []func() error{sub.Close, pub.Close, destroyGroup(client, DefaultTopic, group), client.Close},
		ready:      make(chan struct{}),
	}, nil
}

// ensureGroupAtTail creates the consumer group at $ so a new instance does
// not replay historical events.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s", group)
	}
	log.Debug().Str("component", "events").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}

type groupDestroyer interface {
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
}

// destroyGroup removes this instance's consumer group on close. Groups are
// per instance, so a group left behind would never be read again.
func destroyGroup(client groupDestroyer, stream, group string) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
			return errors.Wrapf(err, "destroy consumer group %s", group)
		}
		log.Debug().Str("component", "events").Str("stream", stream).Str("group", group).Msg("destroyed redis consumer group")
		return nil
	}
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return errors.New("event bus is nil")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataCallSid, ev.CallSid)
	msg.Metadata.Set(metadataEventType, string(ev.Type))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return b.publisher.Publish(b.topic, msg)
}

// Ready is closed once Run has subscribed.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the topic and hands each event to handle until ctx is done.
func (b *Bus) Run(ctx context.Context, handle func(Event)) error {
	msgs, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return errors.Wrap(err, "subscribe to events")
	}
	b.readyOnce.Do(func() { close(b.ready) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "events").Str("call_sid", msg.Metadata.Get(metadataCallSid)).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			handle(ev)
			msg.Ack()
		}
	}
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
