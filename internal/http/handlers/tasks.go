package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"imagepage/internal/domain"
	"imagepage/internal/events"
)

// CreateTask validates the request and starts it in the background.
func (a *App) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeGeneration(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	task, err := a.Tasks.Start(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	a.json(w, http.StatusAccepted, task)
}

func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, task)
}

func (a *App) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.Tasks.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, task)
}

// TaskEvents streams a task's progress as Server-Sent Events. The stream opens with
// a "task" event carrying the current snapshot and ends after "finished".
func (a *App) TaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Tasks.Get(id); err != nil {
		a.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	var msgCh chan events.Message
	if a.Events != nil {
		msgCh = make(chan events.Message, 32)
		a.Events.Subscribe(msgCh, id)
		defer a.Events.Unsubscribe(msgCh, id)
	}

	// Snapshot after subscribing so no transition falls between the two.
	task, err := a.Tasks.Get(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot, _ := json.Marshal(task)
	writeSSE(w, "task", snapshot)
	flusher.Flush()
	if task.Status.Terminal() || msgCh == nil {
		return
	}

	keepAlive := a.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// The hub drops messages for full subscribers, finished included.
			if current, err := a.Tasks.Get(id); err != nil || current.Status.Terminal() {
				writeSSE(w, string(domain.EventFinished), finishedEvent(id, current))
				flusher.Flush()
				return
			}
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-msgCh:
			writeSSE(w, msg.Name, msg.Data)
			flusher.Flush()
			if msg.Name == string(domain.EventFinished) {
				return
			}
		}
	}
}

func finishedEvent(id string, task domain.Task) []byte {
	data, _ := json.Marshal(domain.Event{
		Type:    domain.EventFinished,
		TaskID:  id,
		Variant: -1,
		Status:  task.Status,
		Images:  task.Images,
		Message: task.Error,
	})
	return data
}

func writeSSE(w http.ResponseWriter, name string, data []byte) {
	if name != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", name)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
