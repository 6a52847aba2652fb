package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
)

// TerminalChannel prints notifications to a writer, normally stdout.
type TerminalChannel struct {
	verbosity Verbosity

	mu sync.Mutex
	w  io.Writer
}

// NewTerminalChannel creates a terminal channel writing to w.
func NewTerminalChannel(w io.Writer, verbosity Verbosity) *TerminalChannel {
	if verbosity == "" {
		verbosity = VerbositySimple
	}
	return &TerminalChannel{w: w, verbosity: verbosity}
}

func (c *TerminalChannel) Name() string { return "terminal" }

func (c *TerminalChannel) Format(ev market.Event) (Payload, error) {
	return Payload{
		Subject: subjectFor(ev),
		Body:    renderBody(ev, c.verbosity),
		Event:   ev,
	}, nil
}

func (c *TerminalChannel) Deliver(_ context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := fmt.Fprintf(c.w, "%s  %s  %s\n",
		time.Now().UTC().Format("15:04:05"), p.Subject, p.Body)
	if err != nil {
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "terminal.Deliver", Err: err}
	}
	return nil
}

func (c *TerminalChannel) HealthCheck(context.Context) error { return nil }
