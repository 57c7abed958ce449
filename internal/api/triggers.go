package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"diamondscan/internal/apperr"
	"diamondscan/internal/heatmap"
	"diamondscan/internal/models"
	"diamondscan/internal/scheduler"
)

func (s *Server) registerTriggerRoutes(r *mux.Router) {
	r.HandleFunc("/triggers/scheduler", s.handleTriggerScheduler).Methods(http.MethodPost)
	r.HandleFunc("/triggers/consolidate", s.handleTriggerConsolidate).Methods(http.MethodPost)
	r.HandleFunc("/triggers/retry-workers", s.handleTriggerRetryWorkers).Methods(http.MethodPost)
	r.HandleFunc("/triggers/resume-consolidation", s.handleTriggerResumeConsolidation).Methods(http.MethodPost)
	r.HandleFunc("/triggers/cancel-run", s.handleTriggerCancelRun).Methods(http.MethodPost)
	r.HandleFunc("/triggers/delete-run", s.handleTriggerDeleteRun).Methods(http.MethodPost)
}

type triggerSchedulerRequest struct {
	RunType  string  `json:"run_type" validate:"omitempty,oneof=full incremental"`
	Feed     string  `json:"feed" validate:"required"`
	PriceMin float64 `json:"price_min"`
	PriceMax float64 `json:"price_max" validate:"gtfield=PriceMin"`
}

// handleTriggerScheduler starts a new run (spec §6 /triggers/scheduler).
// The run type in the request is informational only: RegisterRun itself
// derives full-vs-incremental from the feed's persisted watermark.
func (s *Server) handleTriggerScheduler(w http.ResponseWriter, r *http.Request) {
	var req triggerSchedulerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	runID, err := s.scheduler.RegisterRun(r.Context(), scheduler.RegisterRunOptions{
		Feed:           req.Feed,
		PriceMin:       req.PriceMin,
		PriceMax:       req.PriceMax,
		HeatmapOptions: heatmap.Options{},
	})
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "register run"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type triggerConsolidateRequest struct {
	RunID string `json:"run_id" validate:"required"`
	Force bool   `json:"force"`
}

// handleTriggerConsolidate dispatches a consolidate message directly,
// bypassing the worker-counter tip (spec §6 /triggers/consolidate).
func (s *Server) handleTriggerConsolidate(w http.ResponseWriter, r *http.Request) {
	var req triggerConsolidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	run, err := s.repo.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "run not found"))
		return
	}

	payload, err := json.Marshal(scheduler.ConsolidateMessage{
		Type:    scheduler.ConsolidateMessageType,
		RunID:   run.ID,
		Feed:    run.Feed,
		TraceID: uuid.New().String(),
		Force:   req.Force,
	})
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "marshal consolidate message"))
		return
	}
	if err := s.bus.Publish(r.Context(), scheduler.ConsolidateQueue, payload); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "publish consolidate message"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

type triggerRetryWorkersRequest struct {
	RunID       string `json:"run_id" validate:"required"`
	PartitionID *int   `json:"partition_id"`
}

// handleTriggerRetryWorkers requeues failed partitions using their
// stored work-item payloads, resuming from next_offset (spec §6
// /triggers/retry-workers).
func (s *Server) handleTriggerRetryWorkers(w http.ResponseWriter, r *http.Request) {
	var req triggerRetryWorkersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	failed, err := s.repo.ListFailedPartitions(r.Context(), req.RunID, req.PartitionID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "list failed partitions"))
		return
	}
	if len(failed) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": 0})
		return
	}

	run, err := s.repo.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "run not found"))
		return
	}

	for _, p := range failed {
		if err := s.repo.ResetPartitionToPending(r.Context(), req.RunID, p.PartitionID); err != nil {
			writeErr(w, apperr.Wrap(err, apperr.Internal, "reset partition"))
			return
		}
	}
	if err := s.scheduler.PublishPending(r.Context(), req.RunID, run.Feed); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "republish work items"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": len(failed)})
}

type triggerResumeConsolidationRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

// handleTriggerResumeConsolidation resets failed raw items back to
// unconsolidated and re-dispatches with force=true (spec §6
// /triggers/resume-consolidation).
func (s *Server) handleTriggerResumeConsolidation(w http.ResponseWriter, r *http.Request) {
	var req triggerResumeConsolidationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	run, err := s.repo.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "run not found"))
		return
	}
	if err := s.repo.ResetFailedRawItems(r.Context(), req.RunID); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "reset failed raw items"))
		return
	}

	payload, err := json.Marshal(scheduler.ConsolidateMessage{
		Type:    scheduler.ConsolidateMessageType,
		RunID:   run.ID,
		Feed:    run.Feed,
		TraceID: uuid.New().String(),
		Force:   true,
	})
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "marshal consolidate message"))
		return
	}
	if err := s.bus.Publish(r.Context(), scheduler.ConsolidateQueue, payload); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "publish consolidate message"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

type triggerCancelRunRequest struct {
	RunID  string `json:"run_id" validate:"required"`
	Reason string `json:"reason"`
}

// handleTriggerCancelRun cascades a cancel flag across the run and its
// in-flight partitions and worker runs (spec §6 /triggers/cancel-run).
func (s *Server) handleTriggerCancelRun(w http.ResponseWriter, r *http.Request) {
	var req triggerCancelRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.repo.CancelRunCascade(r.Context(), req.RunID); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "cancel run"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type triggerDeleteRunRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

// handleTriggerDeleteRun permanently removes a run, refusing unless its
// derived status is failed (spec §6 /triggers/delete-run).
func (s *Server) handleTriggerDeleteRun(w http.ResponseWriter, r *http.Request) {
	var req triggerDeleteRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	run, err := s.repo.GetRun(r.Context(), req.RunID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "run not found"))
		return
	}
	if run.Status() != models.RunStatusFailed {
		writeErr(w, apperr.New(apperr.Conflict, "run may only be deleted when its status is failed"))
		return
	}
	if err := s.repo.DeleteRun(r.Context(), req.RunID); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "delete run"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
