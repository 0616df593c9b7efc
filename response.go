package ctrlstack

import (
	"encoding/json"
	"errors"
	"net/http"
)

// buildErrorResponse constructs the standard error response map.
// Format: {"error": "<message>"}
func buildErrorResponse(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// writeJSONError writes a JSON error response to an http.ResponseWriter.
func writeJSONError(w http.ResponseWriter, msg string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(buildErrorResponse(msg))
}

// writeJSONResult writes the JSON-serialized return value. Methods without a
// result produce null.
func writeJSONResult(w http.ResponseWriter, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		writeJSONError(w, "failed to marshal response", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(append(b, '\n'))
	return err
}

// errorStatus maps an error to an HTTP status. Errors returned by registered
// methods are 500 unless they are (or wrap) a *Error.
func errorStatus(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.StatusCode()
	}
	return http.StatusInternalServerError
}

// errorResponseSchema returns the OpenAPI schema definition for error responses.
func errorResponseSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"error": map[string]any{"type": "string"},
		},
		"required": []string{"error"},
	}
}
