package alert

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// ShoutrrrSender delivers alerts through shoutrrr service URLs. A sender is
// built per call because each alert carries its own URL set.
type ShoutrrrSender struct {
	Timeout time.Duration
}

// NewShoutrrrSender creates a sender with the given per-service timeout.
func NewShoutrrrSender(timeout time.Duration) *ShoutrrrSender {
	return &ShoutrrrSender{Timeout: timeout}
}

// Send delivers title/body to every URL, returning the first failure.
func (s *ShoutrrrSender) Send(ctx context.Context, urls []string, title, body string) error {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return err
	}
	if s.Timeout > 0 {
		sender.Timeout = s.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}

	// the router manages its own per-service timeouts
	_ = ctx
	errs := sender.Send(body, &params)
	return errors.Join(errs...)
}
