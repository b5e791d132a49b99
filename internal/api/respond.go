package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/apperr"
)

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	ErrorCode   apperr.Code `json:"error_code"`
	UserMessage string      `json:"user_message"`
	RequestID   string      `json:"request_id"`
	Timestamp   time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, ae *apperr.Error) {
	writeJSON(w, ae.Code.HTTPStatus(), ErrorEnvelope{
		ErrorCode:   ae.Code,
		UserMessage: ae.Message,
		RequestID:   RequestIDFromContext(r.Context()),
		Timestamp:   time.Now().UTC(),
	})
}

// fail classifies err, logs its cause and writes the envelope. Causes are
// never sent to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	fields := []zap.Field{
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("error_code", string(ae.Code)),
		zap.String("path", r.URL.Path),
	}
	if ae.Err != nil {
		fields = append(fields, zap.Error(ae.Err))
	}
	if ae.Code == apperr.InternalError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	s.metrics.RejectedTotal.WithLabelValues(string(ae.Code)).Inc()
	writeEnvelope(w, r, ae)
}
