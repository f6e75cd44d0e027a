package domain

import "time"

type ErrorKind string

const (
	ErrorKindNetwork           ErrorKind = "network_error"
	ErrorKindChainUnavailable  ErrorKind = "chain_unavailable"
	ErrorKindValidation        ErrorKind = "validation_error"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// NormalizedError is the classifier's view of any failure that reached the core.
type NormalizedError struct {
	Kind      ErrorKind         `json:"kind"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"`
	PaymentID string            `json:"payment_id,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	At        time.Time         `json:"at"`
}

type ErrorStats struct {
	Total  int64               `json:"total"`
	ByKind map[ErrorKind]int64 `json:"by_kind"`
	Recent []NormalizedError   `json:"recent"`
}

type SessionSnapshot struct {
	ExportedAt time.Time        `json:"exported_at"`
	Sessions   []PaymentSession `json:"sessions"`
}

type PaymentStats struct {
	Total                int                   `json:"total"`
	ByStatus             map[SessionStatus]int `json:"by_status"`
	ByToken              map[string]int        `json:"by_token"`
	SuccessRate          float64               `json:"success_rate"`
	AvgCompletionSeconds float64               `json:"avg_completion_seconds"`
}

type Diagnostics struct {
	ExportedAt  time.Time       `json:"exported_at"`
	Sessions    SessionSnapshot `json:"sessions"`
	Errors      ErrorStats      `json:"errors"`
	Stats       PaymentStats    `json:"stats"`
	ActiveLoops []LoopState     `json:"active_loops"`
}

type LoopState struct {
	PaymentID           string    `json:"payment_id"`
	Paused              bool      `json:"paused"`
	PausedUntil         time.Time `json:"paused_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
