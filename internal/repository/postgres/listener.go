package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/remote"
)

// NotifyChannel is the channel the documents trigger publishes on.
const NotifyChannel = "documents_changed"

type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Listener relays document change notifications from every server
// instance into a local hub.
type Listener struct {
	acquire func(ctx context.Context) (notifyConn, func(), error)
	hub     *remote.Hub
	log     *zap.Logger
	backoff time.Duration
}

// NewListener constructs a Listener that holds one pooled connection.
func NewListener(pool *pgxpool.Pool, hub *remote.Hub, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		acquire: func(ctx context.Context) (notifyConn, func(), error) {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return nil, nil, err
			}
			return c.Conn(), c.Release, nil
		},
		hub:     hub,
		log:     log.Named("listener"),
		backoff: time.Second,
	}
}

// Run listens until ctx is done, reconnecting after connection errors.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("listen interrupted", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, release, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	l.log.Debug("listening", zap.String("channel", NotifyChannel))
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, n.Payload)
	}
}

type changePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (l *Listener) handle(ctx context.Context, payload string) {
	var p changePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Collection == "" {
		if err == nil {
			err = errors.New("empty collection")
		}
		l.log.Warn("bad notification payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	l.hub.Notify(ctx, p.Collection, p.ID)
}
