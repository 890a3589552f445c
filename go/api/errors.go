package api

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/signer"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/watchtower"
)

// writeJSON encodes body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps service errors onto the HTTP error surface. Each body
// carries a stable "error" code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var body map[string]interface{}

	switch e := err.(type) {
	case watchtower.BadInputError:
		status, body = http.StatusBadRequest,
			map[string]interface{}{"error": "bad-request", "message": e.Message}
	case watchtower.NotWatchedError:
		status, body = http.StatusForbidden,
			map[string]interface{}{"error": "principal-not-watched", "principal": e.Principal}
	case watchtower.SignatureInvalidError:
		status, body = http.StatusUnauthorized,
			map[string]interface{}{"error": "signature-validation", "reason": e.Reason}
	case signer.UnknownPipeStateError:
		status, body = http.StatusConflict,
			map[string]interface{}{"error": "unknown-pipe-state", "pipeId": e.PipeID}
	case signer.NonceTooLowError:
		status, body = http.StatusConflict,
			map[string]interface{}{"error": "nonce-too-low", "existingNonce": e.Baseline}
	case signer.BalanceDecreaseError:
		status, body = http.StatusForbidden,
			map[string]interface{}{"error": "producer-balance-decrease",
				"observedBalance": e.Baseline, "proposedBalance": e.Proposed}
	case signer.DisabledError:
		status, body = http.StatusServiceUnavailable,
			map[string]interface{}{"error": "signer-disabled"}
	default:
		if stacks.IsTimeout(err) {
			status, body = http.StatusGatewayTimeout,
				map[string]interface{}{"error": "upstream-timeout"}
		} else {
			status, body = http.StatusInternalServerError,
				map[string]interface{}{"error": "internal"}
		}
	}

	log.WithFields(log.Fields{
		"url":    r.URL.String(),
		"client": r.RemoteAddr,
		"status": status,
		"err":    err,
	}).Warn("request failed")
	writeJSON(w, status, body)
}
