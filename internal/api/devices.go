package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/accelrt/internal/device"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

const defaultDestroyTimeout = 10 * time.Second

// createStreamRequest is the JSON body for POST /v1/devices/{index}/streams.
type createStreamRequest struct {
	Label       string `json:"label"`
	Capacity    int    `json:"capacity"`
	FailureMode string `json:"failure_mode"`
	Decoupled   bool   `json:"decoupled"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.runtime.Devices()
	infos := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// deviceParam resolves {index}, writing a 404 when it does not name an open
// device.
func (s *Server) deviceParam(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device index")
		return nil, false
	}
	d, ok := s.runtime.Device(index)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return d, true
}

func streamParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "id"))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	if err := d.ResetAbort(); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	streams := d.Streams()
	infos := make([]stream.Info, 0, len(streams))
	for _, st := range streams {
		infos = append(infos, st.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}

	var req createStreamRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	opts := d.StreamDefaults()
	if req.FailureMode != "" {
		mode, err := model.ParseFailureMode(req.FailureMode)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.FailureMode = mode
	}
	if req.Label != "" {
		opts.Label = req.Label
	}
	if req.Capacity != 0 {
		opts.Capacity = req.Capacity
	}
	opts.Decoupled = opts.Decoupled || req.Decoupled

	st, err := d.CreateStream(opts)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, st.Snapshot())
}

func (s *Server) handleDestroyStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	id, err := streamParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := d.DestroyStream(id, force, defaultDestroyTimeout); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recoverResponse struct {
	Aborted int         `json:"aborted"`
	Stream  stream.Info `json:"stream"`
}

func (s *Server) handleRecoverStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceParam(w, r)
	if !ok {
		return
	}
	id, err := streamParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}

	n, err := d.RecoverStream(id)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	st, _ := d.Stream(id)
	s.writeJSON(w, http.StatusOK, recoverResponse{Aborted: n, Stream: st.Snapshot()})
}

// statusFor maps runtime errors to HTTP status codes.
func statusFor(err error) int {
	var failed *model.TaskFailedError
	switch {
	case errors.As(err, &failed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSlotsExhausted), errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrAuxIDsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrStreamBusy),
		errors.Is(err, model.ErrStreamAbort),
		errors.Is(err, model.ErrTaskAborted),
		errors.Is(err, model.ErrStreamStopped),
		errors.Is(err, model.ErrDeviceAbort),
		errors.Is(err, model.ErrLostHeartbeat),
		errors.Is(err, model.ErrClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
