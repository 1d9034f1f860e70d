package xcmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// Interrupted is returned when the process receives a termination signal.
type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	defer signal.Stop(ch)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsInterrupted reports whether the error was caused by a termination
// signal, in which case it is a normal shutdown.
func IsInterrupted(err error) bool {
	var interrupted Interrupted
	return errors.As(err, &interrupted)
}
