package rabbitmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/rabbitmq/amqp091-go"

	"streamsink/internal/domain"
	"streamsink/internal/sink"
)

type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Auth       AuthConfig
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.RoutingKey == "" {
		c.RoutingKey = "committed"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	return nil
}

// Committer publishes committables on a confirm-mode channel. The broker ack
// is the durability point; a request is only marked committed after its
// publish was confirmed. Commit ids travel as message ids so consumers can
// deduplicate redelivered payloads.
type Committer struct {
	cfg  Config
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

func NewCommitter(cfg Config) (*Committer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	return &Committer{cfg: cfg, conn: conn, ch: ch}, nil
}

func (c *Committer) Commit(ctx context.Context, requests []*domain.CommitRequest) error {
	for _, req := range requests {
		if err := c.publish(ctx, req.Committable.CommitID(), req.Committable.Payload); err != nil {
			req.RetryLater(err)
			return sink.Retryable(fmt.Errorf("publish %s: %w", req.Committable.CommitID(), err))
		}
		req.MarkCommitted()
	}
	return nil
}

func (c *Committer) publish(ctx context.Context, commitID string, payload []byte) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp091.Persistent,
		MessageId:    commitID,
		Body:         payload,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("publish nacked by broker")
	}
	return nil
}

func (c *Committer) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close rabbitmq committer: %v", errs)
	}
	return nil
}

// GlobalCommitter publishes checkpoint aggregates and the end-of-input
// marker through the same confirmed channel.
type GlobalCommitter struct {
	committer *Committer
}

func NewGlobalCommitter(committer *Committer) *GlobalCommitter {
	return &GlobalCommitter{committer: committer}
}

func (g *GlobalCommitter) Combine(id domain.CheckpointID, committables []domain.Committable) (domain.GlobalCommittable, error) {
	return sink.CombineSorted(id, committables)
}

func (g *GlobalCommitter) Commit(ctx context.Context, requests []*domain.GlobalCommitRequest) error {
	for _, req := range requests {
		if err := g.committer.publish(ctx, req.Committable.CommitID(), req.Committable.Payload); err != nil {
			req.RetryLater(err)
			return sink.Retryable(fmt.Errorf("publish global commit %s: %w", req.Committable.CommitID(), err))
		}
		req.MarkCommitted()
	}
	return nil
}

func (g *GlobalCommitter) EndOfInput(ctx context.Context) error {
	if err := g.committer.publish(ctx, "global/end-of-input", []byte(sink.EndOfInputMarker)); err != nil {
		return fmt.Errorf("publish end of input: %w", err)
	}
	return nil
}
