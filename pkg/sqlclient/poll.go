package sqlclient

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/isnastish/pgharness/pkg/log"
)

type Poll struct {
	Attempts int
	Interval time.Duration
}

var DefaultPoll = Poll{Attempts: 10, Interval: 2 * time.Second}

// WaitForConnection runs a trivial query until it succeeds or the attempts run out.
// There is no sleep after the last attempt.
func WaitForConnection(ctx context.Context, client Client, target Target, creds Credentials, poll Poll) error {
	if poll.Attempts <= 0 {
		poll = DefaultPoll
	}

	var lastErr error
	for attempt := 1; attempt <= poll.Attempts; attempt++ {
		log.Logger.Debug("Trying to connect to %s as %s (%d/%d)", target.Address(), creds, attempt, poll.Attempts)

		_, lastErr = client.Query(ctx, target, creds, "SELECT 1;")
		if lastErr == nil {
			log.Logger.Info("Connected to %s as %s", target.Address(), creds)
			return nil
		}
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		if attempt == poll.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(poll.Interval):
		}
	}
	return errors.Annotatef(ErrNotReady, "%s after %d attempts, last error: %v", target.Address(), poll.Attempts, lastErr)
}
