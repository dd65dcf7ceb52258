package models

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// ErrInvalidSubject is returned when a subject has no parseable IP address.
var ErrInvalidSubject = errors.New("invalid subject: ip address required")

// SecuritySubject identifies the entity being evaluated. Only IP is
// mandatory; state-store keys are derived from the IP.
type SecuritySubject struct {
	IP          string `json:"ip"`
	DeviceID    string `json:"device_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// Key returns the identifier used for state-store lookups: the canonical
// text form of IP, so every spelling of one address shares its state.
// Unparseable input is returned trimmed and fails Validate.
func (s SecuritySubject) Key() string {
	raw := strings.TrimSpace(s.IP)
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String()
	}
	return raw
}

// Validate checks that IP parses as an IPv4 or IPv6 address.
func (s SecuritySubject) Validate() error {
	if net.ParseIP(strings.TrimSpace(s.IP)) == nil {
		return ErrInvalidSubject
	}
	return nil
}

// SecurityContext carries the inputs of a single evaluation. It is built per
// request and never persisted.
type SecurityContext struct {
	Subject     SecuritySubject   `json:"subject"`
	Route       string            `json:"route"`
	Headers     http.Header       `json:"headers,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	ClientHints map[string]string `json:"client_hints,omitempty"`
}
