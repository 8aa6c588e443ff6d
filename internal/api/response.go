package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// internalErrorBody is written when a handler's response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot encode fallback response: " + err.Error())
	}
	return data
}

// writeJSONResponse encodes response as the request's JSON body. Encoding
// happens before any header is written so a failure can still become a 500
// with the models.APIResponse envelope.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "status", statusCode, "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// writeTextResponse writes a plain-text body, as webhook handshakes expect.
func writeTextResponse(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(text))
}
