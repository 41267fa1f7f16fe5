package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// fallbackErrorBody is written when a response cannot be encoded.
var fallbackErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// writeJSONResponse encodes response before touching headers so an encoding failure can
// still become a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err, "status", statusCode)
		body, statusCode = fallbackErrorBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Server.writeJSONResponse: client went away", "error", err, "status", statusCode)
	}
}

// writeError writes the error envelope. Server-side failures are logged at error level.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Server request failed", "status", statusCode, "message", message)
	}
	writeJSONResponse(w, statusCode, models.Error(message))
}
