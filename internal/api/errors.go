package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hounfour/gateway/internal/gwerr"
)

// errorBody is the wire shape of every failure: the fault kind in error,
// the stable code, and detail strings carrying the human message.
type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// writeError maps an error chain to its wire status and body. Unclassified
// errors surface as internal faults; causes stay server-side.
func writeError(w http.ResponseWriter, err error) {
	code := gwerr.CodeOf(err)
	body := errorBody{Error: string(gwerr.KindOf(err)), Code: string(code)}

	var ge *gwerr.Error
	if errors.As(err, &ge) {
		details := make(map[string]string, len(ge.Details)+1)
		for k, v := range ge.Details {
			details[k] = v
		}
		if ge.Message != "" {
			details["message"] = ge.Message
		}
		body.Details = details
	}

	status := gwerr.HTTPStatus(code)
	metricResponses.WithLabelValues(http.StatusText(status), string(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
