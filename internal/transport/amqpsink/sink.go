// Package amqpsink forwards status events to a RabbitMQ topic exchange.
//
// Delivery is best-effort: events published while the broker is unreachable
// wait in the subscription buffer and are dropped once it is full.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"

	rtsup "jobd/internal/runtime/supervisor"
)

const (
	DefaultExchange = "jobd.events"
	defaultBuffer   = 256
	publishTimeout  = 5 * time.Second
)

type Config struct {
	URL      string
	Exchange string
	// RoutingKey prefixes the event type ("<prefix>.run.finished").
	// Empty routes by the bare event type.
	RoutingKey string
	Buffer     int
}

// Subscriber is the event source (the engine or the bus).
type Subscriber interface {
	Subscribe(buffer int) (<-chan eventbus.Event, func())
}

type Sink struct {
	cfg Config
	src Subscriber
	log logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, src Subscriber, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Sink{cfg: cfg, src: src, log: log.With(logx.String("comp", "amqp"))}
}

// Start subscribes right away, so events raised while the first connection
// is being established are kept, and publishes in the background.
func (s *Sink) Start(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return errors.New("amqp: url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	events, unsub := s.src.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("amqp.publish", func(ctx context.Context) error {
		return s.session(ctx, events)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("amqp sink started", logx.String("exchange", s.cfg.Exchange))
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	unsub()
	s.log.Info("amqp sink stopped")
	return err
}

// session owns one connection. It returns an error when the connection or
// channel breaks so the supervisor reconnects with backoff, and nil when the
// subscription ends.
func (s *Sink) session(ctx context.Context, events <-chan eventbus.Event) error {
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "jobd",
		},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		s.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	s.log.Info("amqp connected", logx.String("exchange", s.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("channel closed")
			}
			return aerr
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := Message(ev)
			if err != nil {
				s.log.Warn("amqp encode failed", logx.String("type", string(ev.Type)), logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err = ch.PublishWithContext(pctx,
				s.cfg.Exchange,   // exchange
				s.routingKey(ev), // routing key
				false,            // mandatory
				false,            // immediate
				msg,
			)
			cancel()
			if err != nil {
				// The event is lost; the reconnect picks up from the next one.
				return fmt.Errorf("publish %s: %w", ev.Type, err)
			}
			if s.log.Enabled(logx.LevelDebug) {
				s.log.Debug("amqp published",
					logx.String("type", string(ev.Type)),
					logx.String("message_id", msg.MessageId),
					logx.Int("body_size", len(msg.Body)),
				)
			}
		}
	}
}

func (s *Sink) routingKey(ev eventbus.Event) string {
	prefix := strings.Trim(strings.TrimSpace(s.cfg.RoutingKey), ".")
	if prefix == "" {
		return string(ev.Type)
	}
	return prefix + "." + string(ev.Type)
}

// Message encodes ev as a persistent JSON publishing with a fresh message id.
func Message(ev eventbus.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.Time,
		Type:         string(ev.Type),
		AppId:        "jobd",
		Body:         body,
	}, nil
}
