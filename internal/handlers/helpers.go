package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// apiResponse is the structured body every handler in this package returns:
// code mirrors the HTTP status, message is a short human string, and data
// optionally carries counts and identifiers.
type apiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteJSON writes an arbitrary JSON payload with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes {code, message, data?} at 200.
func WriteSuccess(w http.ResponseWriter, message string, data interface{}) error {
	return WriteJSON(w, http.StatusOK, apiResponse{Code: http.StatusOK, Message: message, Data: data})
}

// WriteData writes {code: 200, data} with no message, for plain resource reads.
func WriteData(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, apiResponse{Code: http.StatusOK, Data: data})
}

// WriteCreated writes {code: 201, data} for a successful resource creation.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, apiResponse{Code: http.StatusCreated, Data: data})
}

// WriteError writes {code, message} for a failed request.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, apiResponse{Code: statusCode, Message: message})
}

// RequireMethod validates the HTTP method, writing a 405 response and
// returning false when it does not match.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// queryInt reads an integer query parameter, returning def if absent or
// unparsable.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
