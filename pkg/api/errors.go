package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/archivision/archivision/pkg/logging"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// statusFor maps err to an HTTP status through its errdefs class.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return errhttp.ToHTTP(err)
}

// errorCode turns a status into a stable machine-readable code, e.g.
// "service_unavailable".
func errorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "unknown"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

func writeJSON(log logging.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnln("Error while encoding response:", err)
	}
}

func writeError(log logging.Logger, w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail := ErrorDetail{Code: errorCode(status), Message: err.Error()}

	var toolErr *mesh.ToolError
	if errors.As(err, &toolErr) {
		detail.Message = fmt.Sprintf("reconstructor exited with status %d", toolErr.ExitCode)
		if toolErr.Err != nil {
			detail.Message = "reconstructor failed: " + toolErr.Err.Error()
		}
		detail.Details = toolErr.Output
	}

	if status >= http.StatusInternalServerError {
		log.Errorf("Request failed with status %d: %v", status, err)
	} else {
		log.Infof("Request rejected with status %d: %s", status, logging.SanitizeForLog(err.Error()))
	}
	writeJSON(log, w, status, ErrorResponse{Error: detail})
}
