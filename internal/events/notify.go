package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"

	"github.com/Wikid82/guard/internal/util"
	"github.com/Wikid82/guard/internal/version"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// NotifyPublisher alerts operators through shoutrrr when a subject is
// blocked or unblocked.
type NotifyPublisher struct {
	sender sender
}

// NewNotifyPublisher builds a shoutrrr router for the given service URLs.
func NewNotifyPublisher(urls []string) (*NotifyPublisher, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notification url required")
	}
	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	return &NotifyPublisher{sender: router}, nil
}

func (p *NotifyPublisher) Publish(_ context.Context, e Event) error {
	var msg string
	switch e.Type {
	case SubjectBlocked:
		msg = fmt.Sprintf("Subject %s blocked: %s", e.Subject.IP, util.SanitizeForLog(e.Reason))
		if e.TTLSeconds > 0 {
			msg += fmt.Sprintf(" (for %ds)", e.TTLSeconds)
		}
	case SubjectUnblocked:
		msg = fmt.Sprintf("Subject %s unblocked: %s", e.Subject.IP, util.SanitizeForLog(e.Reason))
	default:
		return nil
	}
	params := types.Params{"title": version.Name + " " + string(e.Type)}
	return errors.Join(p.sender.Send(msg, &params)...)
}
