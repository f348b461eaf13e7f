package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"streamsink/internal/domain"
)

func TestKafkaCommitterIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	committer, err := NewCommitter(Config{Brokers: []string{broker}, Topic: "committed", ClientID: "streamsink-it"})
	if err != nil {
		t.Fatalf("new committer: %v", err)
	}
	defer committer.Close()

	requests := []*domain.CommitRequest{
		domain.NewCommitRequest(domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 0, Payload: []byte("(895,null,-9223372036854775808)")}),
		domain.NewCommitRequest(domain.Committable{ProducerID: 0, CheckpointID: 1, SequenceNo: 1, Payload: []byte("(127,null,-9223372036854775808)")}),
		domain.NewCommitRequest(domain.Committable{ProducerID: 1, CheckpointID: 1, SequenceNo: 0, Payload: []byte("(148,null,-9223372036854775808)")}),
	}
	commitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := committer.Commit(commitCtx, requests); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, r := range requests {
		if r.Pending() {
			t.Fatalf("request %s still pending", r.Committable.CommitID())
		}
	}

	global := NewGlobalCommitter(committer)
	agg, err := global.Combine(1, []domain.Committable{requests[0].Committable, requests[1].Committable, requests[2].Committable})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	greq := domain.NewGlobalCommitRequest(agg)
	if err := global.Commit(commitCtx, []*domain.GlobalCommitRequest{greq}); err != nil {
		t.Fatalf("global commit: %v", err)
	}
	if greq.Pending() {
		t.Fatal("global request still pending")
	}
	if err := global.EndOfInput(commitCtx); err != nil {
		t.Fatalf("end of input: %v", err)
	}

	consumer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.ConsumeTopics("committed"))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	byKey := make(map[string]string)
	readCtx, cancelRead := context.WithTimeout(ctx, 15*time.Second)
	defer cancelRead()
	for len(byKey) < 5 {
		fetches := consumer.PollFetches(readCtx)
		if err := fetches.Err(); err != nil {
			t.Fatalf("poll (have %d records): %v", len(byKey), err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			byKey[string(rec.Key)] = string(rec.Value)
		})
	}

	if got := byKey["p0/c1/s0"]; got != "(895,null,-9223372036854775808)" {
		t.Fatalf("unexpected payload for p0/c1/s0: %q", got)
	}
	if got := byKey["global/c1"]; got != string(agg.Payload) {
		t.Fatalf("unexpected aggregate payload: %q", got)
	}
	if got := byKey["global/end-of-input"]; got != "end of input" {
		t.Fatalf("unexpected end-of-input payload: %q", got)
	}
}
