// Package generichttp holds the small JSON payloads and handler adapters
// shared by the HTTP routes
package generichttp

import (
	"encoding/json"
	"net/http"
)

// BoolT is the payload {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is the payload {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// ErrT is the payload of an error reply
type ErrT struct {
	Error string `json:"error"`
}

// Reply encodes v as JSON with the given status
func Reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error replies with {"error": msg}
func Error(w http.ResponseWriter, status int, err error) {
	Reply(w, status, ErrT{Error: err.Error()})
}

// GetJSON replies with whatever fcn returns
func GetJSON(fcn func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Reply(w, http.StatusOK, fcn())
	}
}

// GetBool replies {"bool": fcn()}
func GetBool(fcn func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Reply(w, http.StatusOK, BoolT{Bool: fcn()})
	}
}

// SetBool parses {"bool": value} and calls fcn with it
func SetBool(fcn func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			Error(w, http.StatusBadRequest, err)
			return
		}
		fcn(b.Bool)
		w.WriteHeader(http.StatusOK)
	}
}
