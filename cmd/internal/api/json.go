package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"pairhub/cmd/internal/pairing"
)

// Error codes in the {error:{code,message}} body.
const (
	codeValidation = "validation_error"
	codeNotFound   = "not_found"
	codeNotReady   = "not_ready"
	codeInternal   = "internal"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writePairingError maps a pairing error kind onto a status code.
func writePairingError(w http.ResponseWriter, err error) {
	var oe pairing.OpError
	msg := "internal error"
	if errors.As(err, &oe) && oe.Msg != "" {
		msg = oe.Msg
	}

	switch {
	case pairing.IsValidation(err):
		writeError(w, http.StatusBadRequest, codeValidation, msg)
	case pairing.IsNotFound(err):
		writeError(w, http.StatusNotFound, codeNotFound, msg)
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
