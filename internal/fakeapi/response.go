package fakeapi

import (
	"encoding/json"
	"net/http"

	"stockyard/internal/constants"
)

// The marketplace backend reports failures as {"detail": "..."}; the rate
// limiter uses the {"error":{...}} envelope.
type detailResponse struct {
	Detail string `json:"detail"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

func badRequest(w http.ResponseWriter, message string) {
	writeDetail(w, http.StatusBadRequest, message)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
}

func notFound(w http.ResponseWriter, message string) {
	writeDetail(w, http.StatusNotFound, message)
}

func internalError(w http.ResponseWriter) {
	writeDetail(w, http.StatusInternalServerError, "An internal error occurred")
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error: ErrorDetail{
			Code:    constants.ErrCodeRateLimited,
			Message: "Too many requests, please try again later",
		},
	})
}
