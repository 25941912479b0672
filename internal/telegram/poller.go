package telegram

import (
	"context"
	"log/slog"
	"time"
)

// pollBackoff is how long the poller sleeps after a getUpdates failure
// before trying again.
const pollBackoff = 3 * time.Second

// Poller long-polls getUpdates and pushes inbound updates onto a
// buffered channel, tracking the confirmation offset so each update is
// delivered once. The channel is closed when the poller stops.
type Poller struct {
	client     *Client
	logger     *slog.Logger
	timeoutSec int

	updates chan *Update
}

// NewPoller creates a poller for the given client. timeoutSec is the
// getUpdates server-side hold time; values below 1 are coerced to 30.
func NewPoller(client *Client, timeoutSec int, logger *slog.Logger) *Poller {
	if timeoutSec < 1 {
		timeoutSec = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:     client,
		logger:     logger.With("component", "telegram"),
		timeoutSec: timeoutSec,
		updates:    make(chan *Update, 64),
	}
}

// Updates returns the channel of inbound updates. Closed when Run
// returns.
func (p *Poller) Updates() <-chan *Update {
	return p.updates
}

// Run polls until ctx is cancelled. It is the only writer to the
// updates channel and closes it on exit.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.updates)

	p.logger.Info("telegram poller started", "poll_timeout_sec", p.timeoutSec)

	var offset int64
	for {
		if ctx.Err() != nil {
			p.logger.Info("telegram poller shutting down")
			return
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.timeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("telegram poller shutting down")
				return
			}
			p.logger.Warn("telegram getUpdates failed, backing off",
				"error", err,
				"backoff", pollBackoff,
			)
			select {
			case <-ctx.Done():
			case <-time.After(pollBackoff):
			}
			continue
		}

		for i := range updates {
			u := &updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			select {
			case p.updates <- u:
			case <-ctx.Done():
				p.logger.Info("telegram poller shutting down")
				return
			}
		}
	}
}
