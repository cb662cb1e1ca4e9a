package eventstore

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Subscription is a push feed of committed sequence numbers. Delivery is
// at-least-once and lossy under lag; consumers keep their own cursor and
// treat a notification purely as "poll now".
type Subscription interface {
	Subscribe(ctx context.Context) (<-chan int64, func(), error)
}

// PGListener adapts postgres LISTEN/NOTIFY to Subscription. It runs one
// pq.Listener per subscriber; lib/pq reconnects on its own and signals the
// outage through a nil notification, which we surface as a wakeup so the
// consumer re-polls and catches anything missed while disconnected.
type PGListener struct {
	dsn    string
	logger *slog.Logger
}

func NewPGListener(dsn string, logger *slog.Logger) *PGListener {
	return &PGListener{dsn: dsn, logger: logger}
}

func (l *PGListener) Subscribe(ctx context.Context) (<-chan int64, func(), error) {
	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, nil, err
	}

	out := make(chan int64, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case n := <-listener.Notify:
				var seq int64
				if n != nil {
					parsed, err := strconv.ParseInt(n.Extra, 10, 64)
					if err != nil {
						l.logger.Warn("malformed event notification", "payload", n.Extra)
						continue
					}
					seq = parsed
				}
				// seq 0 (reconnect wakeup) still prompts a poll.
				select {
				case out <- seq:
				default:
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		listener.Close()
	}
	return out, cancel, nil
}
