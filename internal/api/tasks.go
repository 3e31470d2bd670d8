package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxSubmitCount   = 10000
	defaultTimeout   = 5 * time.Second
)

// submitTasksRequest is the JSON body for POST .../streams/{id}/tasks.
type submitTasksRequest struct {
	Type      model.TaskType `json:"type"`
	Payload   []byte         `json:"payload"`
	Count     int            `json:"count"`
	Sync      bool           `json:"sync"`
	TimeoutMS int            `json:"timeout_ms"`
}

type submitTasksResponse struct {
	Submitted int    `json:"submitted"`
	FirstID   uint16 `json:"first_id"`
	LastID    uint16 `json:"last_id"`
	Retries   int    `json:"retries"`
	Synced    bool   `json:"synced"`
	Error     string `json:"error,omitempty"`
}

// listTasksResponse wraps the paginated journal list.
type listTasksResponse struct {
	Tasks  []store.TaskRecord `json:"tasks"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func validTaskType(t model.TaskType) bool {
	switch t {
	case model.TaskKernel, model.TaskCopy, model.TaskEventRecord, model.TaskEventWait, model.TaskControl:
		return true
	}
	return false
}

func (s *Server) handleSubmitTasks(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	streamID, err := streamParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}

	var req submitTasksRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		req.Type = model.TaskKernel
	}
	if !validTaskType(req.Type) {
		s.writeError(w, http.StatusBadRequest, "unknown task type")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxSubmitCount {
		s.writeError(w, http.StatusBadRequest, "count exceeds "+strconv.Itoa(maxSubmitCount))
		return
	}
	timeout := defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	var resp submitTasksResponse
	tasks := make([]*model.Task, 0, req.Count)
	for i := range req.Count {
		t := model.NewTask(req.Type, req.Payload)
		if err := d.Submit(streamID, t, timeout); err != nil {
			if i == 0 {
				s.writeError(w, statusFor(err), err.Error())
				return
			}
			resp.Error = err.Error()
			break
		}
		if i == 0 {
			resp.FirstID = uint16(t.ID)
		}
		resp.LastID = uint16(t.ID)
		resp.Submitted++
		tasks = append(tasks, t)
	}
	recordSubmitted(d.Index(), req.Type, resp.Submitted)
	resp.Retries = totalRetries(tasks)

	status := http.StatusAccepted
	if req.Sync && resp.Error == "" {
		if err := d.Sync(streamID, model.TaskID(resp.LastID), false, timeout); err != nil {
			s.writeJSON(w, statusFor(err), submitTasksResponse{
				Submitted: resp.Submitted,
				FirstID:   resp.FirstID,
				LastID:    resp.LastID,
				Retries:   resp.Retries,
				Error:     err.Error(),
			})
			return
		}
		resp.Retries = totalRetries(tasks)
		resp.Synced = true
		status = http.StatusOK
	}

	s.writeJSON(w, status, resp)
}

// totalRetries sums queue-full retries so far. Tasks still waiting to be sent
// may retry after this returns.
func totalRetries(tasks []*model.Task) int {
	n := 0
	for _, t := range tasks {
		n += t.RetryCount()
	}
	return n
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.journal.ListTasks(r.Context(), store.TaskQuery{
		DeviceID: r.URL.Query().Get("device"),
		State:    r.URL.Query().Get("state"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []store.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	events, err := s.journal.ListStreamEvents(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		s.logger.Error("list stream events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.StreamEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// writeJSON writes v as a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
