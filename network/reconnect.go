package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"connectd/metrics"
)

const (
	// DefaultReconnectInitial is the first retry delay after a link is lost.
	DefaultReconnectInitial = time.Second
	// DefaultReconnectMax caps the retry delay.
	DefaultReconnectMax = 5 * time.Minute

	reconnectMultiplier = 2.0
	reconnectScanPeriod = 250 * time.Millisecond
)

type reconnectEntry struct {
	attempt  int
	next     time.Time
	inFlight bool
	backoff  *backoff.ExponentialBackOff
}

// reconnectScheduler tracks one retry schedule per trusted device and fires
// due attempts from a single scan loop.
type reconnectScheduler struct {
	initial time.Duration
	max     time.Duration
	dial    func(ctx context.Context, deviceID string)
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*reconnectEntry
	wake    chan struct{}
}

func newReconnectScheduler(initial, max time.Duration, dial func(context.Context, string)) *reconnectScheduler {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	return &reconnectScheduler{
		initial: initial,
		max:     max,
		dial:    dial,
		now:     time.Now,
		entries: make(map[string]*reconnectEntry),
		wake:    make(chan struct{}, 1),
	}
}

func (s *reconnectScheduler) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.initial,
		RandomizationFactor: 0,
		Multiplier:          reconnectMultiplier,
		MaxInterval:         s.max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Schedule records a failed or lost connection and plans the next attempt.
func (s *reconnectScheduler) Schedule(deviceID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[deviceID]
	if !ok {
		entry = &reconnectEntry{backoff: s.newBackOff()}
		s.entries[deviceID] = entry
	}
	delay := entry.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.max
	}
	entry.attempt++
	entry.inFlight = false
	entry.next = s.now().Add(delay)
	return delay
}

// Trigger makes a device due immediately, e.g. when discovery sees it. The
// backoff state of an existing schedule is kept.
func (s *reconnectScheduler) Trigger(deviceID string) {
	s.mu.Lock()
	entry, ok := s.entries[deviceID]
	if !ok {
		entry = &reconnectEntry{backoff: s.newBackOff()}
		s.entries[deviceID] = entry
	}
	if !entry.inFlight {
		entry.next = s.now()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops the schedule after a successful connect or an unpair.
func (s *reconnectScheduler) Cancel(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, deviceID)
}

// Pending returns the attempt count and next due time of a device.
func (s *reconnectScheduler) Pending(deviceID string) (int, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return 0, time.Time{}, false
	}
	return entry.attempt, entry.next, true
}

// run fires due attempts until ctx is done. Each attempt runs on its own
// goroutine and must call Schedule or Cancel when it finishes.
func (s *reconnectScheduler) run(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(reconnectScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		for _, deviceID := range s.due() {
			metrics.RecordReconnectAttempt()
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.dial(ctx, id)
			}(deviceID)
		}
	}
}

func (s *reconnectScheduler) due() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []string
	for id, entry := range s.entries {
		if entry.inFlight || entry.next.After(now) {
			continue
		}
		entry.inFlight = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
