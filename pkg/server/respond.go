package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// statusForKind is the single place error kinds become HTTP status codes.
func statusForKind(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.KindAuthMissing, protocol.KindAuthInvalid:
		return http.StatusUnauthorized
	case protocol.KindAuthForbidden:
		return http.StatusForbidden
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindValidation:
		return http.StatusUnprocessableEntity
	case protocol.KindConflict:
		return http.StatusConflict
	case protocol.KindContextLimit:
		return http.StatusBadRequest
	case protocol.KindModelNotFound, protocol.KindProviderDisabled,
		protocol.KindProviderUnavailable, protocol.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case protocol.KindToolNotFound, protocol.KindToolUnavailable, protocol.KindToolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		slog.Error("untagged error reached the HTTP layer", "error", err)
		perr = protocol.NewError(protocol.KindInternal, "internal error")
	}
	writeJSON(w, statusForKind(perr.Kind), map[string]interface{}{"error": perr})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.WrapError(protocol.KindValidation, "request body is not valid JSON", err)
	}
	return nil
}
