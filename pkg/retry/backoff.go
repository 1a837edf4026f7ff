package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	return exp
}

// SequenceBackOff yields the configured delays in order and then stops.
// A webhook answering 503 or 429 is retried once per entry.
type SequenceBackOff struct {
	mu     sync.Mutex
	delays []time.Duration
	next   int
}

func NewSequenceBackOff(delays ...time.Duration) *SequenceBackOff {
	cp := make([]time.Duration, len(delays))
	copy(cp, delays)
	return &SequenceBackOff{delays: cp}
}

func (s *SequenceBackOff) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *SequenceBackOff) Reset() {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()
}

func (s *SequenceBackOff) Len() int {
	return len(s.delays)
}
