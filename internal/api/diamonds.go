package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"diamondscan/internal/apperr"
	"diamondscan/internal/models"
)

func (s *Server) registerDiamondRoutes(r *mux.Router) {
	r.HandleFunc("/diamonds", s.handleListDiamonds).Methods(http.MethodGet)
	r.HandleFunc("/diamonds/{id}", s.handleGetDiamond).Methods(http.MethodGet)
	r.HandleFunc("/diamonds/{id}/availability", s.handleGetAvailability).Methods(http.MethodGet)
	r.HandleFunc("/diamonds/{id}/hold", idempotencyGuard(s.handleHoldDiamond)).Methods(http.MethodPost)
	r.HandleFunc("/diamonds/{id}/cancel-hold", idempotencyGuard(s.handleCancelHold)).Methods(http.MethodPost)
	r.HandleFunc("/diamonds/purchase", idempotencyGuard(s.handlePurchaseDiamond)).Methods(http.MethodPost)
}

func (s *Server) handleListDiamonds(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	availability := models.Availability(r.URL.Query().Get("availability"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	diamonds, err := s.repo.ListDiamonds(r.Context(), feed, availability, limit, offset)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "list diamonds"))
		return
	}
	writeJSON(w, http.StatusOK, diamonds)
}

func (s *Server) handleGetDiamond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	diamond, err := s.repo.GetDiamond(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "diamond not found"))
		return
	}
	writeJSON(w, http.StatusOK, diamond)
}

func (s *Server) handleGetAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	diamond, err := s.repo.GetDiamond(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "diamond not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"diamond_id":   diamond.ID,
		"availability": diamond.Availability,
		"hold_id":      diamond.HoldID,
	})
}

type holdRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// handleHoldDiamond reserves a diamond, refusing when it isn't currently
// available — availability and the hold row move together so a reader
// never observes one without the other.
func (s *Server) handleHoldDiamond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req holdRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 900
	}

	diamond, err := s.repo.GetDiamond(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "diamond not found"))
		return
	}
	if diamond.Availability != models.AvailabilityAvailable {
		writeErr(w, apperr.New(apperr.Conflict, "diamond is not available"))
		return
	}

	holdID := uuid.New().String()
	expiresAt := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)

	if err := s.repo.CreateHold(r.Context(), holdID, id, &expiresAt); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "create hold"))
		return
	}
	if err := s.repo.SetAvailability(r.Context(), id, models.AvailabilityOnHold, &holdID); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "set availability"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"hold_id":    holdID,
		"diamond_id": id,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleCancelHold(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	diamond, err := s.repo.GetDiamond(r.Context(), id)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "diamond not found"))
		return
	}
	if diamond.HoldID == nil {
		writeErr(w, apperr.New(apperr.Conflict, "diamond has no active hold"))
		return
	}

	if err := s.repo.ReleaseHold(r.Context(), *diamond.HoldID, id); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "release hold"))
		return
	}
	if err := s.repo.SetAvailability(r.Context(), id, models.AvailabilityAvailable, nil); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "set availability"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type purchaseRequest struct {
	DiamondID string  `json:"diamond_id" validate:"required"`
	HoldID    string  `json:"hold_id"`
	Price     float64 `json:"price" validate:"required,gt=0"`
}

// handlePurchaseDiamond converts a hold (or buys directly from
// available) into a purchase record, matching spec's storefront
// Purchase model: append-only, referencing the hold it converted.
func (s *Server) handlePurchaseDiamond(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	diamond, err := s.repo.GetDiamond(r.Context(), req.DiamondID)
	if err != nil {
		writeErr(w, apperr.Wrap(err, apperr.NotFound, "diamond not found"))
		return
	}

	var holdIDPtr *string
	switch diamond.Availability {
	case models.AvailabilityAvailable:
		// direct purchase, no prior hold
	case models.AvailabilityOnHold:
		if diamond.HoldID == nil || req.HoldID == "" || *diamond.HoldID != req.HoldID {
			writeErr(w, apperr.New(apperr.Conflict, "hold id does not match diamond's active hold"))
			return
		}
		holdIDPtr = diamond.HoldID
	default:
		writeErr(w, apperr.New(apperr.Conflict, "diamond is not available for purchase"))
		return
	}

	purchase := models.Purchase{
		ID:        uuid.New().String(),
		DiamondID: req.DiamondID,
		HoldID:    holdIDPtr,
		Price:     req.Price,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreatePurchase(r.Context(), purchase); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "create purchase"))
		return
	}
	if err := s.repo.SetAvailability(r.Context(), req.DiamondID, models.AvailabilitySold, holdIDPtr); err != nil {
		writeErr(w, apperr.Wrap(err, apperr.Internal, "set availability"))
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}
