package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind         string           `json:"kind"`
	Category     model.Category   `json:"category"`
	Message      string           `json:"message"`
	RemainingGap *decimal.Decimal `json:"remainingGap,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps a pooling error onto its HTTP status and error body.
func WriteError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Kind:     model.KindOf(err),
		Category: model.CategoryOf(err),
		Message:  err.Error(),
	}
	var capErr *model.CapacityExceededError
	if errors.As(err, &capErr) {
		gap := capErr.Remaining
		detail.RemainingGap = &gap
	}
	WriteJSON(w, statusFor(detail.Category), errorBody{Error: detail})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Kind:     "INVALID_REQUEST",
		Category: model.CategoryInvalidRequest,
		Message:  msg,
	}})
}

func statusFor(c model.Category) int {
	switch c {
	case model.CategoryNotFound:
		return http.StatusNotFound
	case model.CategoryPoolUnavailable, model.CategoryConflict:
		return http.StatusConflict
	case model.CategoryInvalidRequest:
		return http.StatusUnprocessableEntity
	case model.CategoryDownstream:
		return http.StatusBadGateway
	case model.CategoryBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
