package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"diamondscan/internal/apperr"
	"diamondscan/internal/models"
	"diamondscan/internal/objectstore"
)

func (s *Server) registerAnalyticsRoutes(r *mux.Router) {
	r.HandleFunc("/analytics/runs", s.cache.cached(3*time.Second, s.handleListRuns)).Methods(http.MethodGet)
	r.HandleFunc("/analytics/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/analytics/consolidation/{run_id}/status", s.handleConsolidationStatus).Methods(http.MethodGet)
	r.HandleFunc("/analytics/consolidation/{run_id}", s.handleConsolidationForRun).Methods(http.MethodGet)
	r.HandleFunc("/analytics/watermark", s.handleGetWatermark).Methods(http.MethodGet)
	r.HandleFunc("/analytics/watermark", s.handlePutWatermark).Methods(http.MethodPut)
	r.HandleFunc("/analytics/query/{table}", s.handleQueryTable).Methods(http.MethodPost)
}

// runView adds the derived status the client can't compute on its own.
type runView struct {
	models.Run
	Status models.RunStatus `json:"status"`
}

func toRunView(run models.Run) runView {
	return runView{Run: run, Status: run.Status()}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.repo.ListRuns(r.Context(), feed, limit)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "list runs"))
		return
	}
	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = toRunView(run)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.repo.GetRun(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "run not found"))
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

func (s *Server) handleConsolidationForRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	total, succeeded, failed, err := s.repo.CountRawItemsByConsolidationState(r.Context(), runID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "count raw items"))
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(succeeded+failed) / float64(total) * 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":    runID,
		"total":     total,
		"succeeded": succeeded,
		"failed":    failed,
		"pending":   total - succeeded - failed,
		"progress":  pct,
	})
}

func (s *Server) handleConsolidationStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	total, succeeded, failed, err := s.repo.CountRawItemsByConsolidationState(r.Context(), runID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "count raw items"))
		return
	}
	status := "running"
	switch {
	case total == 0:
		status = "pending"
	case succeeded+failed == total && failed == 0:
		status = "completed"
	case succeeded+failed == total && succeeded == 0:
		status = "failed"
	case succeeded+failed == total:
		status = "partial"
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": status})
}

func (s *Server) handleGetWatermark(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if feed == "" {
		writeErr(w, apperr.New(apperr.Validation, "feed query parameter required"))
		return
	}
	raw, err := s.objects.Get(r.Context(), objectstore.WatermarkKey(feed))
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "watermark not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handlePutWatermark(w http.ResponseWriter, r *http.Request) {
	var wm models.Watermark
	if err := decodeJSON(r, &wm); err != nil {
		writeErr(w, err)
		return
	}
	if wm.Feed == "" {
		writeErr(w, apperr.New(apperr.Validation, "feed is required"))
		return
	}
	wm.LastUpdatedAt = time.Now()

	body, err := json.Marshal(wm)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "marshal watermark"))
		return
	}
	if err := s.objects.Put(r.Context(), objectstore.WatermarkKey(wm.Feed), body); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "write watermark"))
		return
	}
	writeJSON(w, http.StatusOK, wm)
}

// queryableTables maps the operator-facing table name from spec §6's
// closed whitelist to its backing app schema table and the columns a
// filter may reference, so a request body can never steer raw SQL
// beyond what's explicitly allowed here.
var queryableTables = map[string]struct {
	table   string
	columns map[string]bool
}{
	"diamonds": {table: "diamonds", columns: boolSet(
		"id", "feed", "shape", "color", "clarity", "cut", "lab", "lab_grown",
		"carat_weight", "retail_price", "rating", "availability", "status", "created_at",
	)},
	"run_metadata": {table: "runs", columns: boolSet(
		"id", "feed", "run_type", "expected_workers", "completed_workers",
		"failed_workers", "started_at", "completed_at", "cancelled",
	)},
	"worker_runs": {table: "worker_runs", columns: boolSet(
		"id", "run_id", "partition_id", "worker_id", "status", "records_processed", "started_at", "completed_at",
	)},
}

func boolSet(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

var queryOperators = boolSet("eq", "neq", "gt", "gte", "lt", "lte", "like", "ilike", "in", "is")

type queryFilter struct {
	Column string      `json:"column" validate:"required"`
	Op     string      `json:"op" validate:"required"`
	Value  interface{} `json:"value"`
}

type queryRequest struct {
	Filters []queryFilter `json:"filters"`
	Limit   int           `json:"limit"`
}

// handleQueryTable implements the declarative filter AST over a closed
// table/column/operator whitelist (spec §6 /analytics/query/{table}).
func (s *Server) handleQueryTable(w http.ResponseWriter, r *http.Request) {
	tableName := mux.Vars(r)["table"]
	entry, ok := queryableTables[tableName]
	if !ok {
		writeErr(w, apperr.New(apperr.Validation, "unknown table "+tableName))
		return
	}

	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 100
	}

	whereSQL, args, err := buildFilterSQL(req.Filters, entry.columns)
	if err != nil {
		writeErr(w, err)
		return
	}

	rows, err := s.repo.QueryTable(r.Context(), entry.table, whereSQL, args, req.Limit)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "query table"))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func buildFilterSQL(filters []queryFilter, allowedColumns map[string]bool) (string, []interface{}, error) {
	var where string
	var args []interface{}

	for _, f := range filters {
		if !allowedColumns[f.Column] {
			return "", nil, apperr.New(apperr.Validation, "column not permitted: "+f.Column)
		}
		if !queryOperators[f.Op] {
			return "", nil, apperr.New(apperr.Validation, "operator not permitted: "+f.Op)
		}

		var clause string
		switch f.Op {
		case "eq":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s = $%d", f.Column, len(args))
		case "neq":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s != $%d", f.Column, len(args))
		case "gt":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s > $%d", f.Column, len(args))
		case "gte":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s >= $%d", f.Column, len(args))
		case "lt":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s < $%d", f.Column, len(args))
		case "lte":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s <= $%d", f.Column, len(args))
		case "like":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s LIKE $%d", f.Column, len(args))
		case "ilike":
			args = append(args, f.Value)
			clause = fmt.Sprintf("%s ILIKE $%d", f.Column, len(args))
		case "in":
			vals, ok := f.Value.([]interface{})
			if !ok || len(vals) == 0 {
				return "", nil, apperr.New(apperr.Validation, "in operator requires a non-empty array value")
			}
			args = append(args, vals)
			clause = fmt.Sprintf("%s = ANY($%d)", f.Column, len(args))
		case "is":
			if f.Value != nil {
				return "", nil, apperr.New(apperr.Validation, "is operator only supports a null value")
			}
			clause = fmt.Sprintf("%s IS NULL", f.Column)
		}

		if where == "" {
			where = clause
		} else {
			where += " AND " + clause
		}
	}
	return where, args, nil
}
