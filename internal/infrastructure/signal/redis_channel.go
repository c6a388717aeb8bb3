package signal

import (
	"context"
	"strings"
	"sync"
	"time"

	"peercast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel is a SignalingChannel over Redis pub/sub. Event "offer" is
// published on "<prefix>:offer"; On subscribes to the matching channel.
type RedisChannel struct {
	client   *redis.Client
	prefix   string
	pubsub   *redis.PubSub
	handlers *handlerSet

	send chan Envelope
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped func(event, reason string)
	logger  *zap.SugaredLogger
}

var _ ports.SignalingChannel = (*RedisChannel)(nil)

func NewRedisChannel(client *redis.Client, prefix string, sendBuffer int, dropped func(event, reason string), logger *zap.SugaredLogger) *RedisChannel {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if dropped == nil {
		dropped = func(string, string) {}
	}

	c := &RedisChannel{
		client:   client,
		prefix:   prefix,
		pubsub:   client.Subscribe(context.Background()),
		handlers: newHandlerSet(),
		send:     make(chan Envelope, sendBuffer),
		done:     make(chan struct{}),
		dropped:  dropped,
		logger:   logger,
	}

	c.wg.Add(2)
	go c.publishLoop()
	go c.receiveLoop()
	return c
}

func (c *RedisChannel) channelName(event string) string {
	return c.prefix + ":" + event
}

func (c *RedisChannel) eventName(channel string) string {
	return strings.TrimPrefix(channel, c.prefix+":")
}

func (c *RedisChannel) Send(event string, payload interface{}) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		c.logger.Errorw("Dropping unencodable signaling event", "event", event, "error", err)
		c.dropped(event, "encode")
		return
	}

	select {
	case <-c.done:
		c.dropped(event, "closed")
		return
	default:
	}

	select {
	case c.send <- env:
	default:
		c.logger.Warnw("Signaling send buffer full, dropping event", "event", event)
		c.dropped(event, "buffer_full")
	}
}

func (c *RedisChannel) On(event string, handler ports.EventHandler) {
	c.handlers.add(event, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pubsub.Subscribe(ctx, c.channelName(event)); err != nil {
		c.logger.Errorw("Failed to subscribe to signaling event", "event", event, "error", err)
	}
}

func (c *RedisChannel) Done() <-chan struct{} {
	return c.done
}

func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
	})
	c.wg.Wait()
	return err
}

func (c *RedisChannel) publishLoop() {
	defer c.wg.Done()

	for {
		select {
		case env := <-c.send:
			c.publish(env)
		case <-c.done:
			// Drain what is already queued so a final stop-stream goes out.
			for {
				select {
				case env := <-c.send:
					c.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (c *RedisChannel) publish(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.client.Publish(ctx, c.channelName(env.Event), []byte(env.Data)).Err(); err != nil {
		c.logger.Warnw("Failed to publish signaling event", "event", env.Event, "error", err)
		c.dropped(env.Event, "publish_error")
	}
}

func (c *RedisChannel) receiveLoop() {
	defer c.wg.Done()

	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				c.logger.Warn("Redis signaling subscription closed")
				return
			}
			env := Envelope{
				Event: c.eventName(msg.Channel),
				Data:  []byte(msg.Payload),
			}
			if !c.handlers.dispatch(env) {
				c.logger.Debugw("No handler for signaling event", "event", env.Event)
			}
		}
	}
}
