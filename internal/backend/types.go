package backend

// Metadata rides along every backend response. Ends marks the conversation
// as finished; InitializationResponse is only present on session open.
type Metadata struct {
	Ends                   bool                    `json:"ends"`
	InitializationResponse *InitializationResponse `json:"initialization_response,omitempty"`
}

// InitializationResponse carries the greeting the backend wants spoken
// when a conversation opens.
type InitializationResponse struct {
	Greeting string `json:"greeting"`
}

// SessionInfo identifies the backend-side session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
}

// OpenSessionResult is the response to an open-session call.
type OpenSessionResult struct {
	Session  SessionInfo `json:"session"`
	Metadata Metadata    `json:"metadata"`
}

// RunResult is the response to run/commit calls: generated text plus
// response metadata.
type RunResult struct {
	Response string   `json:"response"`
	Metadata Metadata `json:"metadata"`
}
