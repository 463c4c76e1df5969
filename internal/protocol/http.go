package protocol

// Capability status values reported for the AI module.
const (
	AIConnected  = "CONNECTED"
	AIMissingKey = "MISSING_KEY"
)

const SystemOnline = "ONLINE"

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	System    string        `json:"system"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version"`
	Modules   ModuleStatus  `json:"modules"`
	Sessions  *SessionStats `json:"sessions,omitempty"`
}

type ModuleStatus struct {
	AI       string `json:"ai"`
	Database string `json:"database,omitempty"`
	Network  string `json:"network,omitempty"`
	Security string `json:"security,omitempty"`
}

type SessionStats struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// SetupRequest is the body of POST /api/config/setup.
type SetupRequest struct {
	APIKey string `json:"apiKey"`
}

type SetupResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Modules ModuleStatus `json:"modules"`
}

// ExecRequest is the body of POST /api/terminal.
type ExecRequest struct {
	Cmd       string `json:"cmd"`
	SessionID string `json:"sessionId,omitempty"`
}

type ExecResponse struct {
	Output    string `json:"output"`
	Cwd       string `json:"cwd"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// ErrorResponse is the JSON body of every failed HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
}
