package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"diamondscan/internal/apperr"
	"diamondscan/internal/logging"
	"diamondscan/internal/models"
)

func (s *Server) registerRuleRoutes(r *mux.Router) {
	r.HandleFunc("/pricing-rules", s.handleListPricingRules).Methods(http.MethodGet)
	r.HandleFunc("/pricing-rules", s.handleCreatePricingRule).Methods(http.MethodPost)
	r.HandleFunc("/pricing-rules/{id}", s.handleUpdatePricingRule).Methods(http.MethodPut)
	r.HandleFunc("/pricing-rules/{id}/reapply", s.handleReapplyPricingRule).Methods(http.MethodPost)

	r.HandleFunc("/rating-rules", s.handleListRatingRules).Methods(http.MethodGet)
	r.HandleFunc("/rating-rules", s.handleCreateRatingRule).Methods(http.MethodPost)
	r.HandleFunc("/rating-rules/{id}", s.handleUpdateRatingRule).Methods(http.MethodPut)
	r.HandleFunc("/rating-rules/{id}/reapply", s.handleReapplyRatingRule).Methods(http.MethodPost)

	r.HandleFunc("/reapply-jobs/{id}", s.handleGetReapplyJob).Methods(http.MethodGet)
	r.HandleFunc("/reapply-jobs/{id}/revert", s.handleRevertReapplyJob).Methods(http.MethodPost)
}

func (s *Server) handleListPricingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListActivePricingRules(r.Context())
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "list pricing rules"))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleCreatePricingRule persists a new rule and, since it changes what
// every diamond's retail price should be, dispatches a reapply job so
// existing rows converge to the new rule set rather than only new
// consolidations seeing it (spec §6 "create/update may return a
// reapply_job_id").
func (s *Server) handleCreatePricingRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PricingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	rule.Active = true

	id, err := s.repo.CreatePricingRule(r.Context(), rule)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "create pricing rule"))
		return
	}
	rule.ID = id

	resp := map[string]interface{}{"rule": rule}
	s.dispatchReapply(r, models.ReapplyPricing, models.TriggerRuleCreate, rule, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleUpdatePricingRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, apperr.New(apperr.Validation, "invalid rule id"))
		return
	}

	var rule models.PricingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	rule.ID = id

	if err := s.repo.UpdatePricingRule(r.Context(), rule); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "update pricing rule"))
		return
	}

	resp := map[string]interface{}{"rule": rule}
	s.dispatchReapply(r, models.ReapplyPricing, models.TriggerRuleUpdate, rule, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleReapplyPricingRule lets an operator manually re-trigger a bulk
// pricing reapply without editing a rule, e.g. after a feed-wide margin
// correction was already applied out of band.
func (s *Server) handleReapplyPricingRule(w http.ResponseWriter, r *http.Request) {
	s.handleManualReapply(w, r, models.ReapplyPricing)
}

func (s *Server) handleListRatingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListActiveRatingRules(r.Context())
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "list rating rules"))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRatingRule(w http.ResponseWriter, r *http.Request) {
	var rule models.RatingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	rule.Active = true

	id, err := s.repo.CreateRatingRule(r.Context(), rule)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "create rating rule"))
		return
	}
	rule.ID = id

	resp := map[string]interface{}{"rule": rule}
	s.dispatchReapply(r, models.ReapplyRating, models.TriggerRuleCreate, rule, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleUpdateRatingRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, apperr.New(apperr.Validation, "invalid rule id"))
		return
	}

	var rule models.RatingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	rule.ID = id

	if err := s.repo.UpdateRatingRule(r.Context(), rule); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "update rating rule"))
		return
	}

	resp := map[string]interface{}{"rule": rule}
	s.dispatchReapply(r, models.ReapplyRating, models.TriggerRuleUpdate, rule, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleReapplyRatingRule lets an operator manually re-trigger a bulk
// rating reapply without editing a rule.
func (s *Server) handleReapplyRatingRule(w http.ResponseWriter, r *http.Request) {
	s.handleManualReapply(w, r, models.ReapplyRating)
}

// handleManualReapply triggers a reapply job for kind regardless of
// which rule id was named in the path; reapply runs over every active
// rule of that kind, so the id only identifies the operator's reason
// for asking, not the job's scope.
func (s *Server) handleManualReapply(w http.ResponseWriter, r *http.Request, kind models.ReapplyKind) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, apperr.New(apperr.Validation, "invalid rule id"))
		return
	}

	jobID, err := s.reapply.Trigger(r.Context(), kind, models.TriggerManual, []byte("{}"), nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	go func() {
		if err := s.reapply.Run(context.Background(), jobID); err != nil {
			s.log.Error("reapply job failed",
				logging.NewFields().Component("api").Operation("reapply_run").Resource("job", strconv.FormatInt(jobID, 10)).Err(err).Slice()...)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"rule_id": id, "reapply_job_id": jobID})
}

// dispatchReapply triggers a bulk reapply job for the rule change and
// adds its id to resp; a conflict (a reapply of this kind already
// running) is logged but not surfaced as a request failure — the rule
// write itself already succeeded.
func (s *Server) dispatchReapply(r *http.Request, kind models.ReapplyKind, trigger models.ReapplyTrigger, rule interface{}, resp map[string]interface{}) {
	snapshot, err := json.Marshal(rule)
	if err != nil {
		return
	}
	jobID, err := s.reapply.Trigger(r.Context(), kind, trigger, snapshot, nil)
	if err != nil {
		s.log.Warn("reapply dispatch skipped",
			logging.NewFields().Component("api").Operation("reapply_dispatch").Err(err).Slice()...)
		return
	}
	resp["reapply_job_id"] = jobID

	// Run blocks until the job reaches a terminal state, so it runs
	// detached from the request lifecycle; the client polls
	// GET /reapply-jobs/{id} for the outcome.
	go func() {
		if err := s.reapply.Run(context.Background(), jobID); err != nil {
			s.log.Error("reapply job failed",
				logging.NewFields().Component("api").Operation("reapply_run").Resource("job", strconv.FormatInt(jobID, 10)).Err(err).Slice()...)
		}
	}()
}

func (s *Server) handleGetReapplyJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, apperr.New(apperr.Validation, "invalid job id"))
		return
	}
	job, err := s.repo.GetReapplyJob(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "reapply job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRevertReapplyJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, apperr.New(apperr.Validation, "invalid job id"))
		return
	}
	restored, err := s.reapply.Revert(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"restored": restored})
}
