package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// fallbackErrorResponse is written when a response cannot be encoded.
var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal fallback response: %v", err))
	}
	return data
}

// writeJSONResponse encodes response before touching headers so an encoding failure can still
// become a clean 500.
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

// writeError writes an error envelope; server-side failures are logged.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	if statusCode >= http.StatusInternalServerError {
		slog.Warn("Server.writeError: request failed", "status", statusCode, "message", message)
	}
	writeJSONResponse(w, statusCode, models.Error(message))
}
