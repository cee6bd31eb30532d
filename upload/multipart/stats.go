package multipart

import (
	"sync"
	"time"
)

// Stats tracks part transmission metrics for hung detection and reporting.
type Stats struct {
	sum         time.Duration
	finished    int64
	bytes       int64
	transmitted []int
	mu          sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful part transmission.
func (s *Stats) Update(partNumber int, size int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
	s.bytes += size
	s.transmitted = append(s.transmitted, partNumber)
}

// Average returns the average transmission duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of parts transmitted in this session.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Bytes returns the number of bytes transmitted in this session.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Transmitted returns the part numbers transmitted in this session, in completion order.
func (s *Stats) Transmitted() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.transmitted...)
}

// TotalDuration returns the sum of all transmission durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
