package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Pre-marshaled fallback response used when a payload cannot be encoded.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals response before touching the headers so an
// encoding failure can still produce a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps core sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrConversationNotFound), errors.Is(err, models.ErrFunnelNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidRecipient), errors.Is(err, models.ErrEmptyRecipient),
		errors.Is(err, models.ErrInvalidFunnel), errors.Is(err, models.ErrUnknownStepKind):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrProtectedFunnel):
		return http.StatusConflict
	case errors.Is(err, models.ErrDeliveryFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err with the status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
}
