package agent

import (
	"encoding/json"
	"net/http"
)

// errorBody mirrors pkg/ferrors's JSON error envelope, generalized to
// carry a short machine-readable code alongside status codes ferrors'
// fixed Kind-to-status table doesn't cover (402 Payment Required, and
// passthrough of an upstream agent's own status).
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message, Details: details})
}

const (
	codeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	codeAgentNotFound         = "AGENT_NOT_FOUND"
	codeNotEligible           = "NOT_ELIGIBLE"
	codeNoAvailableInstance   = "NO_AVAILABLE_INSTANCE"
	codeAgentProcessingError  = "AGENT_PROCESSING_ERROR"
	codeAgentCommunicationErr = "AGENT_COMMUNICATION_ERROR"
	codeAgentResponseParseErr = "AGENT_RESPONSE_PARSE_ERROR"
)
