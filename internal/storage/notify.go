package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atelier/internal/model"
)

// ChannelRuns carries a JSON RunEvent whenever a run reaches a terminal state.
const ChannelRuns = "atelier_runs"

// RunEvent is the NOTIFY payload published on ChannelRuns.
type RunEvent struct {
	RunID    string         `json:"run_id"`
	EntityID string         `json:"entity_id"`
	State    model.RunState `json:"state"`
}

// Listen starts listening on channel using the dedicated notify connection.
// Channels are remembered and re-subscribed after a reconnect.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if err := listen(ctx, db.notifyConn, channel); err != nil {
		return err
	}
	db.listening = append(db.listening, channel)
	return nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. A dropped notify connection is redialed once per call; events
// published while it was down are lost, so consumers must treat them as hints.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	if db.notifyConn.IsClosed() {
		if err := db.reconnectNotify(ctx); err != nil {
			return "", "", err
		}
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

func (db *DB) reconnectNotify(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}
	for _, ch := range db.listening {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	db.notifyConn = conn
	db.logger.Info("storage: notify connection re-established", "channels", db.listening)
	return nil
}

// Notify sends payload on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyRunFinished publishes a RunEvent. Failures are logged, never returned:
// the run row is already committed and is the source of truth.
func (db *DB) notifyRunFinished(ctx context.Context, run model.Run) {
	payload, err := json.Marshal(RunEvent{RunID: run.ID.String(), EntityID: run.EntityID.String(), State: run.State})
	if err != nil {
		db.logger.Warn("storage: marshal run event", "error", err)
		return
	}
	if err := db.Notify(ctx, ChannelRuns, string(payload)); err != nil {
		db.logger.Warn("storage: run event not published", "run_id", run.ID, "error", err)
	}
}
