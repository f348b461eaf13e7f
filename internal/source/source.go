package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"streamsink/internal/domain"
)

// Source is a replayable record stream. Position is the number of records
// emitted so far; a checkpoint records it and a restart seeks back to it.
type Source interface {
	// Next returns the next record. ok is false at end-of-input.
	Next(ctx context.Context) (rec domain.Record, ok bool, err error)
	Position() int64
	SeekTo(pos int64) error
	Close() error
}

// Slice replays a fixed value sequence a configured number of rounds. Two
// rounds model a source that re-delivers its data, e.g. an upstream that is
// itself only at-least-once.
type Slice struct {
	mu     sync.Mutex
	values []int64
	rounds int
	pos    int64
	closed bool
}

func NewSlice(values []int64, rounds int) *Slice {
	if rounds < 1 {
		rounds = 1
	}
	return &Slice{values: append([]int64(nil), values...), rounds: rounds}
}

func (s *Slice) total() int64 {
	return int64(len(s.values) * s.rounds)
}

func (s *Slice) Next(ctx context.Context) (domain.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= s.total() {
		return domain.Record{}, false, nil
	}
	v := s.values[s.pos%int64(len(s.values))]
	s.pos++
	return domain.Record{
		Key:       strconv.FormatInt(v, 10),
		Value:     v,
		Timestamp: domain.NoTimestamp,
	}, true, nil
}

func (s *Slice) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Slice) SeekTo(pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 || pos > s.total() {
		return fmt.Errorf("seek position %d out of range [0,%d]", pos, s.total())
	}
	s.pos = pos
	return nil
}

func (s *Slice) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
