package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"diamondscan/internal/apperr"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr translates an error into the response shape from the error
// handling design (spec §7): an *apperr.AppError carries its own status
// and type, anything else is an opaque internal error.
func writeErr(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperr.AppError)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   string(apperr.Internal),
			"message": err.Error(),
		})
		return
	}
	body := map[string]interface{}{
		"error":   string(appErr.Type),
		"message": appErr.Message,
	}
	if appErr.Details != nil {
		body["details"] = appErr.Details
	}
	writeJSON(w, appErr.StatusCode(), body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apperr.New(apperr.Validation, "request body required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.Validation, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Wrap(err, apperr.Validation, "request failed validation")
	}
	return nil
}
