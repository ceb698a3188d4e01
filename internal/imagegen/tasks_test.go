package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"imagepage/internal/domain"
	"imagepage/internal/events"
	"imagepage/internal/providers/openai"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []events.Message
	topics   []string
}

func (p *recordingPublisher) PublishTopic(topic string, msg events.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Name
	}
	return out
}

// blockingImages holds every call until its context is done.
type blockingImages struct {
	entered chan struct{}
	aborted chan struct{}
}

func (b *blockingImages) GenerateImages(ctx context.Context, _ openai.ImagesRequest) ([]byte, error) {
	close(b.entered)
	<-ctx.Done()
	close(b.aborted)
	return nil, ctx.Err()
}

// staggeredImages holds the first call until released reports true, so the second
// call always completes first.
type staggeredImages struct {
	mu       sync.Mutex
	calls    int
	released func() bool
}

func (s *staggeredImages) GenerateImages(ctx context.Context, _ openai.ImagesRequest) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call > 1 {
		return []byte(`{"data":[{"url":"https://x/second.png"}]}`), nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for !s.released() && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	return []byte(`{"data":[{"url":"https://x/first.png"}]}`), nil
}

func waitTask(t *testing.T, r *TaskRunner, id string) domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := r.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	return task
}

func TestTaskRunnerRunsDetachedFromSubmitter(t *testing.T) {
	images := &stubImages{body: `{"data":[{"url":"https://x/1.png"}]}`}
	svc := newTestService(t, Deps{Images: images})
	pub := &recordingPublisher{}
	runner := NewTaskRunner(context.Background(), svc, TaskOptions{Publisher: pub})

	submitCtx, cancelSubmit := context.WithCancel(context.Background())
	task, err := runner.Start(submitCtx, domain.GenerationRequest{Flavor: domain.FlavorGPT4o, Prompt: "cat", VariantCount: 2})
	cancelSubmit()
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if task.Status != domain.TaskStatusRunning || task.Requested != 2 || task.ID == "" {
		t.Fatalf("started task = %+v", task)
	}

	done := waitTask(t, runner, task.ID)
	if done.Status != domain.TaskStatusSucceeded || len(done.Images) != 2 || done.FinishedAt == nil {
		t.Fatalf("finished task = %+v", done)
	}

	names := pub.names()
	if names[0] != string(domain.EventStarted) || names[len(names)-1] != string(domain.EventFinished) {
		t.Fatalf("event names = %v", names)
	}
	var finished domain.Event
	if err := json.Unmarshal(pub.messages[len(pub.messages)-1].Data, &finished); err != nil {
		t.Fatalf("decode finished event: %v", err)
	}
	if finished.TaskID != task.ID || finished.Status != domain.TaskStatusSucceeded {
		t.Fatalf("finished event = %+v", finished)
	}
	for _, topic := range pub.topics {
		if topic != task.ID {
			t.Fatalf("published on topic %q, want %q", topic, task.ID)
		}
	}
}

func TestTaskRunnerStartValidatesSynchronously(t *testing.T) {
	svc := newTestService(t, Deps{Images: &stubImages{}})
	runner := NewTaskRunner(context.Background(), svc, TaskOptions{})
	_, err := runner.Start(context.Background(), domain.GenerationRequest{Flavor: domain.FlavorGPT4o})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Start error = %v, want ValidationError", err)
	}
	if len(runner.tasks) != 0 {
		t.Fatal("rejected request registered a task")
	}
}

func TestTaskRunnerMarksAllFailedTask(t *testing.T) {
	images := &stubImages{err: &domain.ProviderError{Provider: "openai", StatusCode: 500, Body: "down"}}
	svc := newTestService(t, Deps{Images: images})
	runner := NewTaskRunner(context.Background(), svc, TaskOptions{})
	task, err := runner.Start(context.Background(), domain.GenerationRequest{Flavor: domain.FlavorJimeng, Prompt: "cat"})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	done := waitTask(t, runner, task.ID)
	if done.Status != domain.TaskStatusFailed || len(done.Failures) != 1 || done.Error == "" {
		t.Fatalf("task = %+v", done)
	}
}

func TestTaskRunnerCancelAbortsInFlightCalls(t *testing.T) {
	images := &blockingImages{entered: make(chan struct{}), aborted: make(chan struct{})}
	svc := newTestService(t, Deps{Images: images})
	pub := &recordingPublisher{}
	runner := NewTaskRunner(context.Background(), svc, TaskOptions{Publisher: pub})

	task, err := runner.Start(context.Background(), domain.GenerationRequest{Flavor: domain.FlavorGPT4o, Prompt: "cat"})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-images.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	canceled, err := runner.Cancel(task.ID)
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if canceled.Status != domain.TaskStatusCanceled {
		t.Fatalf("canceled task = %+v", canceled)
	}
	select {
	case <-images.aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not aborted")
	}
	if done := waitTask(t, runner, task.ID); done.Status != domain.TaskStatusCanceled {
		t.Fatalf("task after run = %+v", done)
	}

	again, err := runner.Cancel(task.ID)
	if err != nil || again.Status != domain.TaskStatusCanceled {
		t.Fatalf("second Cancel = %+v, %v", again, err)
	}
}

func TestTaskRunnerUnknownTask(t *testing.T) {
	runner := NewTaskRunner(context.Background(), newTestService(t, Deps{}), TaskOptions{})
	if _, err := runner.Get("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get error = %v", err)
	}
	if _, err := runner.Cancel("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel error = %v", err)
	}
	if _, err := runner.Wait(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Wait error = %v", err)
	}
}

func TestTaskRunnerSweepEvictsAfterRetention(t *testing.T) {
	images := &stubImages{body: `{"data":[{"url":"https://x/1.png"}]}`}
	runner := NewTaskRunner(context.Background(), newTestService(t, Deps{Images: images}), TaskOptions{Retention: 30 * time.Minute})
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	runner.now = func() time.Time { return base }

	task, err := runner.Start(context.Background(), domain.GenerationRequest{Flavor: domain.FlavorGPT4o, Prompt: "cat"})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitTask(t, runner, task.ID)

	runner.now = func() time.Time { return base.Add(10 * time.Minute) }
	if n := runner.Sweep(); n != 0 {
		t.Fatalf("Sweep before retention removed %d", n)
	}
	runner.now = func() time.Time { return base.Add(31 * time.Minute) }
	if n := runner.Sweep(); n != 1 {
		t.Fatalf("Sweep after retention removed %d, want 1", n)
	}
	if _, err := runner.Get(task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after sweep error = %v", err)
	}
}

func TestTaskRunnerKeepsImagesInArrivalOrder(t *testing.T) {
	pub := &recordingPublisher{}
	images := &staggeredImages{released: func() bool {
		for _, name := range pub.names() {
			if name == string(domain.EventVariantSucceeded) {
				return true
			}
		}
		return false
	}}
	runner := NewTaskRunner(context.Background(), newTestService(t, Deps{Images: images}), TaskOptions{Publisher: pub})

	task, err := runner.Start(context.Background(), domain.GenerationRequest{Flavor: domain.FlavorGPT4o, Prompt: "cat", VariantCount: 2})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	done := waitTask(t, runner, task.ID)
	want := []domain.ImageRef{"https://x/second.png", "https://x/first.png"}
	if len(done.Images) != 2 || done.Images[0] != want[0] || done.Images[1] != want[1] {
		t.Fatalf("images = %v, want %v", done.Images, want)
	}
}
