package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelStop  = "hearth_stop"
	postgresNotifyChannelSweep = "hearth_sweep"

	dbNotifierSendTimeout = 15 * time.Second
	dbNotifierRetryDelay  = 5 * time.Second
)

// DBNotifier signals other bot instances sharing the database. With
// SQLite there's only ever one instance, so signals go straight to the
// local bot.
type DBNotifier interface {
	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	SweepChannelName() string

	// Sweep asks all bots to run a temp channel reconciliation sweep
	Sweep(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			b:              b,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			b:          b,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	b              *Bot
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (sqliteNotifier) SweepChannelName() string {
	return ""
}

func (s *sqliteNotifier) Sweep(context.Context) bool {
	return s.b.requestSweep()
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

type postgresNotifier struct {
	b          *Bot
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (postgresNotifier) SweepChannelName() string {
	return postgresNotifyChannelSweep
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		p.ID(),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", tint.Err(err), "channel", channel)
		return false
	}
	p.logger.Info("sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName())
}

// Sweep notifies the other instances, and triggers a local sweep, since
// our own notifications are ignored
func (p *postgresNotifier) Sweep(ctx context.Context) bool {
	if !p.notify(ctx, p.SweepChannelName()) {
		return false
	}
	return p.b.requestSweep()
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryDelay):
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.Debug("received notification from self, ignoring")
			continue
		}

		switch channel {
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.b.signalStop <- struct{}{}:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		case p.SweepChannelName():
			logger.InfoContext(ctx, "received sweep signal via NOTIFY")
			p.b.requestSweep()
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}
