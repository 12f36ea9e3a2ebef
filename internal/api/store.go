package api

import (
	"context"
	"sync"
	"time"
)

type jobRecord struct {
	Response GenerationResponse
	cancel   context.CancelFunc
	done     chan struct{}
}

// JobStore keeps generations so they can be polled, cancelled and deleted.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobRecord),
	}
}

// Create registers resp. cancel stops the work behind it and may be nil for
// finished generations.
func (s *JobStore) Create(resp GenerationResponse, cancel context.CancelFunc) {
	rec := &jobRecord{Response: resp, cancel: cancel, done: make(chan struct{})}
	if terminalStatus(resp.Status) {
		close(rec.done)
	}
	s.mu.Lock()
	s.jobs[resp.ID] = rec
	s.mu.Unlock()
}

// Get returns a copy of the stored response.
func (s *JobStore) Get(id string) (GenerationResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return GenerationResponse{}, false
	}
	return rec.Response, true
}

// Done returns a channel closed once the generation reaches a terminal
// status.
func (s *JobStore) Done(id string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// Update applies fn to a generation that is still running. Terminal
// generations are left untouched. If fn leaves the response terminal, waiters
// are released.
func (s *JobStore) Update(id string, fn func(*GenerationResponse)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || terminalStatus(rec.Response.Status) {
		return false
	}
	fn(&rec.Response)
	if terminalStatus(rec.Response.Status) {
		close(rec.done)
	}
	return true
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	if !terminalStatus(rec.Response.Status) {
		close(rec.done)
	}
	delete(s.jobs, id)
	return true
}

// Cancel stops a running background generation. Other generations are
// returned unchanged.
func (s *JobStore) Cancel(id string, now time.Time) (*GenerationResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	resp := rec.Response
	if !resp.Background || terminalStatus(resp.Status) {
		return &resp, true
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	completedAt := now.Unix()
	rec.Response.Status = StatusCancelled
	rec.Response.CompletedAt = &completedAt
	close(rec.done)
	resp = rec.Response
	return &resp, true
}
