package models

// SignalReceived is the inbound bus message reporting abuse or bot evidence
// about a subject. Score is in [0,1].
type SignalReceived struct {
	EventID    string          `json:"event_id,omitempty"`
	SignalType string          `json:"signal_type"`
	Subject    SecuritySubject `json:"subject"`
	Details    string          `json:"details,omitempty"`
	Score      float64         `json:"score"`
}
