package server

import (
	"encoding/json"
	"net/http"

	"github.com/markb/chatrelay/internal/auth"
	"github.com/markb/chatrelay/internal/log"
)

// serviceKeyMiddleware admits requests carrying an operator key as a bearer token.
func (s *Server) serviceKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "no_authorization", "Authorization header required")
			return
		}
		if err := s.auth.VerifyServiceKey(token); err != nil {
			log.Debug("server: service key rejected", "path", r.URL.Path, "error", err.Error())
			writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid service key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
