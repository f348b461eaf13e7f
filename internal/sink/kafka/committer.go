package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"streamsink/internal/domain"
	"streamsink/internal/sink"
)

// Config describes the produced-to topic. Commit ids ride as record keys, so
// a compacted topic or a downstream key-dedup consumer absorbs redelivery.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Linger   time.Duration
	Auth     AuthConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *Config) withDefaults() {
	if c.Linger <= 0 {
		c.Linger = 5 * time.Millisecond
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}

// Committer publishes committables as kafka records, keyed by commit id.
type Committer struct {
	cfg    Config
	client *kgo.Client
}

func NewCommitter(cfg Config, opts ...kgo.Opt) (*Committer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Committer{cfg: cfg, client: cl}, nil
}

func (c *Committer) Commit(ctx context.Context, requests []*domain.CommitRequest) error {
	recs := make([]*kgo.Record, 0, len(requests))
	byRecord := make(map[*kgo.Record]*domain.CommitRequest, len(requests))
	for _, req := range requests {
		rec := &kgo.Record{
			Topic: c.cfg.Topic,
			Key:   []byte(req.Committable.CommitID()),
			Value: req.Committable.Payload,
		}
		recs = append(recs, rec)
		byRecord[rec] = req
	}

	// Results come back in completion order, not submit order.
	results := c.client.ProduceSync(ctx, recs...)
	for _, res := range results {
		req, ok := byRecord[res.Record]
		if !ok {
			continue
		}
		if res.Err != nil {
			req.RetryLater(res.Err)
			continue
		}
		req.MarkCommitted()
	}
	if err := results.FirstErr(); err != nil {
		return sink.Retryable(fmt.Errorf("produce committables: %w", err))
	}
	return nil
}

func (c *Committer) Close() {
	c.client.Close()
}

// GlobalCommitter publishes checkpoint aggregates and the end-of-input
// marker on the same topic, keyed by their commit ids.
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
		rec := &kgo.Record{
			Topic: g.committer.cfg.Topic,
			Key:   []byte(req.Committable.CommitID()),
			Value: req.Committable.Payload,
		}
		if err := g.committer.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			req.RetryLater(err)
			return sink.Retryable(fmt.Errorf("produce global commit %s: %w", req.Committable.CommitID(), err))
		}
		req.MarkCommitted()
	}
	return nil
}

func (g *GlobalCommitter) EndOfInput(ctx context.Context) error {
	rec := &kgo.Record{
		Topic: g.committer.cfg.Topic,
		Key:   []byte("global/end-of-input"),
		Value: []byte(sink.EndOfInputMarker),
	}
	if err := g.committer.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce end of input: %w", err)
	}
	return nil
}
