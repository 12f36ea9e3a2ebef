package api

import (
	"context"
	"testing"
	"time"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx, cancel := context.WithCancel(context.Background())
	s.Create(GenerationResponse{ID: "a", Status: StatusQueued, Background: true}, cancel)

	done, ok := s.Done("a")
	if !ok {
		t.Fatalf("missing done channel")
	}
	if !s.Update("a", func(r *GenerationResponse) { r.Progress = &GenerationProgress{Step: 2, Total: 5} }) {
		t.Fatalf("update of running job failed")
	}
	resp, ok := s.Cancel("a", time.Unix(100, 0))
	if !ok || resp.Status != StatusCancelled || *resp.CompletedAt != 100 {
		t.Fatalf("cancel returned %+v", resp)
	}
	if ctx.Err() == nil {
		t.Fatalf("cancel did not stop the job context")
	}
	select {
	case <-done:
	default:
		t.Fatalf("done not closed after cancel")
	}
	if s.Update("a", func(r *GenerationResponse) { r.Status = StatusCompleted }) {
		t.Fatalf("cancelled job was overwritten")
	}
	if got, _ := s.Get("a"); got.Progress.Step != 2 || got.Status != StatusCancelled {
		t.Fatalf("stored %+v", got)
	}
	if !s.Delete("a") || s.Delete("a") {
		t.Fatalf("delete should succeed exactly once")
	}
}

func TestJobStoreCompletedJobIsDone(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	s.Create(GenerationResponse{ID: "b", Status: StatusCompleted}, nil)
	done, _ := s.Done("b")
	select {
	case <-done:
	default:
		t.Fatalf("completed job is not done")
	}
	resp, ok := s.Cancel("b", time.Now())
	if !ok || resp.Status != StatusCompleted {
		t.Fatalf("cancel changed a finished job: %+v", resp)
	}
}
