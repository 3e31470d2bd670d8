package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/accelrt/internal/model"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_engine_tasks_submitted_total",
			Help: "Tasks accepted by Submit, by task type.",
		},
		[]string{"type"},
	)

	submitsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_engine_submits_rejected_total",
			Help: "Submit calls that failed, by reason.",
		},
		[]string{"reason"},
	)

	tasksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accelrt_engine_tasks_sent_total",
			Help: "Tasks published to a hardware submission queue.",
		},
	)

	sendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accelrt_engine_send_retries_total",
			Help: "Send attempts that found the submission queue full.",
		},
	)

	tasksReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_engine_tasks_reclaimed_total",
			Help: "Tasks finished by the engine, by outcome.",
		},
		[]string{"outcome"},
	)

	streamTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accelrt_engine_stream_failures_total",
			Help: "Task failures that tripped a stream's failure mode.",
		},
		[]string{"mode"},
	)

	heartbeatLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accelrt_engine_heartbeat_lost_total",
			Help: "Devices marked down after missed heartbeats.",
		},
	)

	deviceAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accelrt_engine_device_aborts_total",
			Help: "Devices aborted by a fatal error.",
		},
	)

	reportsOutOfOrder = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accelrt_engine_reports_out_of_order_total",
			Help: "Completion reports received behind a later report of the same stream.",
		},
	)

	pendingTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accelrt_engine_pending_tasks",
			Help: "Tasks submitted and not yet finished, per device.",
		},
		[]string{"device"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accelrt_engine_sync_duration_seconds",
			Help:    "Time callers spent blocked in Sync.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(submitsRejected)
	prometheus.MustRegister(tasksSent)
	prometheus.MustRegister(sendRetries)
	prometheus.MustRegister(tasksReclaimed)
	prometheus.MustRegister(streamTrips)
	prometheus.MustRegister(heartbeatLost)
	prometheus.MustRegister(deviceAborts)
	prometheus.MustRegister(reportsOutOfOrder)
	prometheus.MustRegister(pendingTasks)
	prometheus.MustRegister(syncDuration)
}

// rejectReason maps a Submit error to a bounded label value.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrLostHeartbeat):
		return "lost_heartbeat"
	case errors.Is(err, model.ErrDeviceAbort):
		return "device_abort"
	case errors.Is(err, model.ErrStreamAbort):
		return "stream_abort"
	case errors.Is(err, model.ErrStreamStopped):
		return "stream_stopped"
	case errors.Is(err, model.ErrSlotsExhausted):
		return "slots_exhausted"
	case errors.Is(err, model.ErrAuxIDsExhausted):
		return "aux_ids_exhausted"
	case errors.Is(err, model.ErrQueueFull):
		return "queue_full"
	}
	return "other"
}
