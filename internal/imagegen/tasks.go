package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagepage/internal/domain"
	"imagepage/internal/events"
	"imagepage/internal/infra"
)

// Publisher receives task progress for live subscribers.
type Publisher interface {
	PublishTopic(topic string, msg events.Message)
}

// TaskOptions configures a TaskRunner.
type TaskOptions struct {
	Publisher Publisher
	Retention time.Duration
	Logger    *infra.Logger
	Metrics   *infra.Metrics
}

// TaskRunner executes generations in the background. Tasks run on the runner's base
// context, not the submitting request's, so they outlive the HTTP call that started
// them; only Cancel or shutdown of the base context stops them.
type TaskRunner struct {
	svc       *Service
	baseCtx   context.Context
	publisher Publisher
	retention time.Duration
	logger    *infra.Logger
	metrics   *infra.Metrics
	now       func() time.Time

	mu    sync.RWMutex
	tasks map[string]*taskEntry
}

type taskEntry struct {
	task   domain.Task
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskRunner binds task execution to baseCtx.
func NewTaskRunner(baseCtx context.Context, svc *Service, opts TaskOptions) *TaskRunner {
	retention := opts.Retention
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &TaskRunner{
		svc:       svc,
		baseCtx:   baseCtx,
		publisher: opts.Publisher,
		retention: retention,
		logger:    infra.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		now:       time.Now,
		tasks:     make(map[string]*taskEntry),
	}
}

// Start validates req synchronously and, when it is acceptable, runs it in the background.
func (r *TaskRunner) Start(ctx context.Context, req domain.GenerationRequest) (domain.Task, error) {
	plan, err := r.svc.Prepare(ctx, req)
	if err != nil {
		return domain.Task{}, err
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(r.baseCtx)
	entry := &taskEntry{
		task: domain.Task{
			ID:        id,
			Flavor:    plan.Flavor(),
			Status:    domain.TaskStatusRunning,
			Requested: plan.Requested(),
			Images:    []domain.ImageRef{},
			CreatedAt: r.now().UTC(),
			Meta:      map[string]string{"request_id": plan.RequestID()},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[id] = entry
	snapshot := cloneTask(entry.task)
	r.mu.Unlock()

	r.metrics.TaskStarted()
	r.logger.Info().Str("task_id", id).Str("flavor", string(plan.Flavor())).Int("requested", plan.Requested()).Msg("tasks: started")
	r.publish(domain.Event{Type: domain.EventStarted, TaskID: id, Variant: -1, Status: domain.TaskStatusRunning})

	go r.run(runCtx, entry, plan)
	return snapshot, nil
}

func (r *TaskRunner) run(ctx context.Context, entry *taskEntry, plan *Plan) {
	defer close(entry.done)
	defer entry.cancel()
	id := entry.task.ID

	result := r.svc.Run(ctx, plan, func(ev domain.Event) {
		ev.TaskID = id
		if ev.Type == domain.EventVariantSucceeded {
			r.mu.Lock()
			if !entry.task.Status.Terminal() {
				entry.task.Images = append(entry.task.Images, ev.Images...)
			}
			r.mu.Unlock()
		}
		r.publish(ev)
	})

	r.mu.Lock()
	if entry.task.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	finished := r.now().UTC()
	entry.task.FinishedAt = &finished
	// Images already hold every success in arrival order; entries are never moved.
	entry.task.Failures = result.Failures
	entry.task.Truncated = result.Truncated
	switch {
	case ctx.Err() != nil:
		entry.task.Status = domain.TaskStatusCanceled
	case len(result.Images) == 0:
		entry.task.Status = domain.TaskStatusFailed
		entry.task.Error = failureSummary(result.Failures)
	default:
		entry.task.Status = domain.TaskStatusSucceeded
	}
	status := entry.task.Status
	message := entry.task.Error
	images := append([]domain.ImageRef(nil), entry.task.Images...)
	r.mu.Unlock()

	r.metrics.TaskFinished()
	r.logger.Info().Str("task_id", id).Str("status", string(status)).Int("images", len(images)).Msg("tasks: finished")
	r.publish(domain.Event{Type: domain.EventFinished, TaskID: id, Variant: -1, Status: status, Images: images, Message: message})
}

// Get returns a snapshot of the task.
func (r *TaskRunner) Get(id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(entry.task), nil
}

// Wait blocks until the task finished or ctx is done and returns its latest snapshot.
func (r *TaskRunner) Wait(ctx context.Context, id string) (domain.Task, error) {
	r.mu.RLock()
	entry, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return domain.Task{}, ctx.Err()
	}
	return r.Get(id)
}

// Cancel abandons a running task. In-flight provider calls are aborted and no
// further poll ticks are issued. Canceling a finished task is a no-op.
func (r *TaskRunner) Cancel(id string) (domain.Task, error) {
	r.mu.Lock()
	entry, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if entry.task.Status.Terminal() {
		snapshot := cloneTask(entry.task)
		r.mu.Unlock()
		return snapshot, nil
	}
	finished := r.now().UTC()
	entry.task.Status = domain.TaskStatusCanceled
	entry.task.FinishedAt = &finished
	snapshot := cloneTask(entry.task)
	r.mu.Unlock()

	entry.cancel()
	r.metrics.TaskFinished()
	r.logger.Info().Str("task_id", id).Msg("tasks: canceled")
	r.publish(domain.Event{Type: domain.EventFinished, TaskID: id, Variant: -1, Status: domain.TaskStatusCanceled, Images: snapshot.Images})
	return snapshot, nil
}

// Sweep evicts tasks that finished longer than the retention period ago and
// returns how many were removed.
func (r *TaskRunner) Sweep() int {
	cutoff := r.now().UTC().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.tasks {
		if entry.task.FinishedAt != nil && entry.task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps on interval until ctx is done.
func (r *TaskRunner) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug().Int("evicted", n).Msg("tasks: swept finished tasks")
			}
		}
	}
}

func (r *TaskRunner) publish(ev domain.Event) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("tasks: encode event")
		return
	}
	r.publisher.PublishTopic(ev.TaskID, events.Message{Name: string(ev.Type), Data: data})
}

func failureSummary(failures []domain.VariantFailure) string {
	if len(failures) == 0 {
		return domain.ErrNoImages.Error()
	}
	return failures[0].Message
}

func cloneTask(t domain.Task) domain.Task {
	out := t
	out.Images = append([]domain.ImageRef{}, t.Images...)
	if t.Failures != nil {
		out.Failures = append([]domain.VariantFailure(nil), t.Failures...)
	}
	if t.Meta != nil {
		out.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
