package models

import (
	"fmt"
	"strings"
)

// ThreatLevel is the decaying reputation classification of a subject.
// Levels are ordered: Low < Medium < High < Critical.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

var threatLevelNames = [...]string{"low", "medium", "high", "critical"}

// String returns the lowercase name stored in the state store.
func (l ThreatLevel) String() string {
	if l < ThreatLow || l > ThreatCritical {
		return fmt.Sprintf("threat(%d)", int(l))
	}
	return threatLevelNames[l]
}

// Ordinal returns the numeric position of the level (Low = 0).
func (l ThreatLevel) Ordinal() int { return int(l) }

// Valid reports whether l is one of the four defined levels.
func (l ThreatLevel) Valid() bool { return l >= ThreatLow && l <= ThreatCritical }

// ParseThreatLevel accepts the stored names case-insensitively.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range threatLevelNames {
		if v == name {
			return ThreatLevel(i), nil
		}
	}
	return ThreatLow, fmt.Errorf("unknown threat level %q", s)
}

func (l ThreatLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid threat level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *ThreatLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseThreatLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
