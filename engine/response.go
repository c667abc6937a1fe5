package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Response is returned by handlers and written to the client by the router.
type Response interface {
	write(w http.ResponseWriter, r *http.Request)
}

type responseFunc func(w http.ResponseWriter, r *http.Request)

func (fn responseFunc) write(w http.ResponseWriter, r *http.Request) { fn(w, r) }

// JSON encodes v as the body of a 200 response.
func JSON(v any) Response {
	return JSONStatus(http.StatusOK, v)
}

func JSONStatus(status int, v any) Response {
	return responseFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encoding json response", "error", err, "url", r.URL.Path)
		}
	})
}

func Empty() Response {
	return responseFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Error logs the given error while returning a generic 500 to the client.
func Error(err error) Response {
	return responseFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Error("internal error", "error", err, "url", r.URL.Path)
		writeErrorBody(w, http.StatusInternalServerError, "internal error - please try again later")
	})
}

func Errorf(format string, args ...any) Response {
	return Error(fmt.Errorf(format, args...))
}

// ClientErrorf returns the formatted message to the client as-is.
func ClientErrorf(status int, format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	return responseFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, status, msg)
	})
}

func Unauthorized(err error) Response {
	return responseFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Warn("unauthorized request", "error", err, "url", r.URL.Path)
		writeErrorBody(w, http.StatusUnauthorized, "unauthorized")
	})
}

func writeErrorBody(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
