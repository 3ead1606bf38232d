package smsgateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
	"github.com/r3e-network/fleet-telemetry/infrastructure/cache"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/secrets"
)

// MaxRetries is the command lifecycle's terminal retry count (spec.md
// §4.4 "outbox→sent→successful/no_reply/failed").
const MaxRetries = 3

// outboxBatchSize bounds how many queued commands one dispatch cycle
// claims, oldest first (spec.md §4.4 "≤10 rows oldest-first").
const outboxBatchSize = 10

// Dispatcher drains command_outbox, selects a modem per command, and
// transitions each command through its lifecycle.
type Dispatcher struct {
	db       *sql.DB
	selector *Selector
	client   ModemClient
	secrets  *secrets.Manager
	log      *logging.Logger
	met      *metrics.Metrics

	sessions *cache.TokenCache
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(db *sql.DB, selector *Selector, client ModemClient, secretsMgr *secrets.Manager, log *logging.Logger, met *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		db: db, selector: selector, client: client, secrets: secretsMgr, log: log, met: met,
		sessions: cache.NewTokenCache(cache.CacheConfig{DefaultTTL: time.Hour}),
	}
}

// RunCycle drains up to outboxBatchSize outbox rows, sending each through
// a selected modem and transitioning it to sent or back to retry/failed.
func (d *Dispatcher) RunCycle(ctx context.Context) (int, error) {
	rows, err := d.claimBatch(ctx)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		d.dispatchOne(ctx, row)
	}
	if d.met != nil {
		depth, derr := d.outboxDepth(ctx)
		if derr == nil {
			d.met.SetCommandOutboxDepth(depth)
		}
	}
	return len(rows), nil
}

func (d *Dispatcher) claimBatch(ctx context.Context) ([]sms.CommandOutbox, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, imei, sim_no, text, send_method, retry_count, created_at, config_id, user_id
		FROM command_outbox WHERE send_method = 'sms' ORDER BY created_at ASC LIMIT $1`, outboxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("smsgateway: claim outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []sms.CommandOutbox
	for rows.Next() {
		var o sms.CommandOutbox
		if err := rows.Scan(&o.ID, &o.IMEI, &o.SimNo, &o.Text, &o.SendMethod, &o.RetryCount,
			&o.CreatedAt, &o.ConfigID, &o.UserID); err != nil {
			return nil, fmt.Errorf("smsgateway: scan outbox row: %w", err)
		}
		batch = append(batch, o)
	}
	return batch, rows.Err()
}

func (d *Dispatcher) outboxDepth(ctx context.Context) (int, error) {
	var depth int
	err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM command_outbox WHERE send_method = 'sms'`).Scan(&depth)
	return depth, err
}

// dispatchOne selects a modem, sends, and transitions the outbox row.
// Send failure increments retry_count or, at MaxRetries, writes a
// terminal failed command_history row and drops the outbox row (spec.md
// §4.4 failure path).
func (d *Dispatcher) dispatchOne(ctx context.Context, outbox sms.CommandOutbox) {
	modem, err := d.selector.Select(ctx, outbox.IMEI, "commands")
	if err != nil {
		d.handleFailure(ctx, outbox, err)
		return
	}

	err = d.withSession(ctx, modem, func(session Session) error {
		return d.client.Send(ctx, modem, session, outbox.SimNo, outbox.Text)
	})
	if err != nil {
		if d.met != nil {
			d.met.RecordModemSend(modem.Name, "failure")
		}
		if d.log != nil {
			d.log.LogModemSend(ctx, modem.Name, outbox.SimNo, err)
		}
		d.handleFailure(ctx, outbox, err)
		return
	}

	if d.met != nil {
		d.met.RecordModemSend(modem.Name, "success")
	}
	if d.log != nil {
		d.log.LogModemSend(ctx, modem.Name, outbox.SimNo, nil)
	}
	d.markSent(ctx, outbox, modem)
}

// markSent inserts command_sent, increments the modem's quota usage, and
// removes the outbox row (spec.md §4.4 success path).
func (d *Dispatcher) markSent(ctx context.Context, outbox sms.CommandOutbox, modem sms.ModemConfig) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("smsgateway: begin markSent tx")
		}
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_sent (outbox_id, imei, sim_no, text, send_method, modem_id, modem_name, status, sent_at, config_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, $10)`,
		outbox.ID, outbox.IMEI, outbox.SimNo, outbox.Text, outbox.SendMethod,
		modem.ID, modem.Name, sms.StatusSent, outbox.ConfigID, outbox.UserID); err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("smsgateway: insert command_sent")
		}
		return
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO modem_usage (modem_id, date, sms_used) VALUES ($1, current_date, 1)
		ON CONFLICT (modem_id, date) DO UPDATE SET sms_used = modem_usage.sms_used + 1`, modem.ID); err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("smsgateway: bump modem_usage")
		}
		return
	}
	if _, err := tx.ExecContext(ctx, `UPDATE modem_config SET sms_sent_today = sms_sent_today + 1 WHERE id = $1`, modem.ID); err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("smsgateway: bump modem_config sent count")
		}
		return
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM command_outbox WHERE id = $1`, outbox.ID); err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("smsgateway: delete outbox row")
		}
		return
	}
	if err := tx.Commit(); err != nil && d.log != nil {
		d.log.WithError(err).Warn("smsgateway: commit markSent tx")
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, outbox sms.CommandOutbox, cause error) {
	if outbox.RetryCount+1 >= MaxRetries {
		if _, err := d.db.ExecContext(ctx, `
			INSERT INTO command_history (imei, sim_no, text, direction, status, config_id, user_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			outbox.IMEI, outbox.SimNo, outbox.Text, sms.DirectionOutgoing, sms.StatusFailed, outbox.ConfigID, outbox.UserID); err != nil {
			if d.log != nil {
				d.log.WithError(err).Warn("smsgateway: insert failed command_history")
			}
			return
		}
		if _, err := d.db.ExecContext(ctx, `DELETE FROM command_outbox WHERE id = $1`, outbox.ID); err != nil && d.log != nil {
			d.log.WithError(err).Warn("smsgateway: delete terminally-failed outbox row")
		}
		return
	}
	if _, err := d.db.ExecContext(ctx, `UPDATE command_outbox SET retry_count = retry_count + 1 WHERE id = $1`, outbox.ID); err != nil {
		if d.log != nil {
			d.log.WithError(err).WithError(cause).Warn("smsgateway: bump outbox retry_count")
		}
	}
}

// withSession runs call with modem's cached session, re-authenticating
// and retrying once on ErrUnauthorized.
func (d *Dispatcher) withSession(ctx context.Context, modem sms.ModemConfig, call func(Session) error) error {
	session, err := d.authedSession(ctx, modem)
	if err != nil {
		return err
	}
	err = call(session)
	if err == ErrUnauthorized {
		d.sessions.InvalidateToken(modemTokenKey(modem.ID))
		session, err = d.reauthenticate(ctx, modem)
		if err != nil {
			return err
		}
		err = call(session)
	}
	return err
}

func (d *Dispatcher) authedSession(ctx context.Context, modem sms.ModemConfig) (Session, error) {
	if v, ok := d.sessions.GetToken(modemTokenKey(modem.ID)); ok {
		if session, ok := v.(Session); ok && session.Valid() {
			return session, nil
		}
	}
	return d.reauthenticate(ctx, modem)
}

func (d *Dispatcher) reauthenticate(ctx context.Context, modem sms.ModemConfig) (Session, error) {
	password, err := d.secrets.Decrypt(modem.EncryptedPassword)
	if err != nil {
		return Session{}, fmt.Errorf("smsgateway: decrypt password for modem %s: %w", modem.Name, err)
	}
	session, err := d.client.Authenticate(ctx, modem, password)
	if err != nil {
		return Session{}, err
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	d.sessions.SetToken(modemTokenKey(modem.ID), session, ttl)
	return session, nil
}

func modemTokenKey(modemID int64) string {
	return fmt.Sprintf("modem:%d", modemID)
}

// outboxTimeout and replyTimeout are the cleanup loop's default thresholds
// (spec.md §4.4 "outbox_timeout_minutes default 1", "reply_timeout_minutes
// default 2"), overridable per deployment.
const (
	DefaultOutboxTimeout = 1 * time.Minute
	DefaultReplyTimeout  = 2 * time.Minute
)

// Cleanup fails outbox rows stuck past outboxTimeout and marks sent rows
// stuck past replyTimeout as no_reply (spec.md §4.4 cleanup loop).
func (d *Dispatcher) Cleanup(ctx context.Context, outboxTimeout, replyTimeout time.Duration) error {
	if outboxTimeout <= 0 {
		outboxTimeout = DefaultOutboxTimeout
	}
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, imei, sim_no, text, send_method, retry_count, created_at, config_id, user_id
		FROM command_outbox WHERE created_at < now() - make_interval(secs => $1)`, outboxTimeout.Seconds())
	if err != nil {
		return fmt.Errorf("smsgateway: scan stale outbox: %w", err)
	}
	var stale []sms.CommandOutbox
	for rows.Next() {
		var o sms.CommandOutbox
		if err := rows.Scan(&o.ID, &o.IMEI, &o.SimNo, &o.Text, &o.SendMethod, &o.RetryCount,
			&o.CreatedAt, &o.ConfigID, &o.UserID); err == nil {
			stale = append(stale, o)
		}
	}
	rows.Close()
	for _, o := range stale {
		if _, err := d.db.ExecContext(ctx, `
			INSERT INTO command_history (imei, sim_no, text, direction, status, config_id, user_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			o.IMEI, o.SimNo, o.Text, sms.DirectionOutgoing, sms.StatusFailed, o.ConfigID, o.UserID); err == nil {
			d.db.ExecContext(ctx, `DELETE FROM command_outbox WHERE id = $1`, o.ID)
		}
	}

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO command_history (imei, sim_no, text, direction, status, modem_id, modem_name, config_id, user_id, recorded_at)
		SELECT imei, sim_no, text, 'outgoing', $1, modem_id, modem_name, config_id, user_id, now()
		FROM command_sent WHERE status = $2 AND sent_at < now() - make_interval(secs => $3)`,
		sms.StatusNoReply, sms.StatusSent, replyTimeout.Seconds()); err != nil {
		return fmt.Errorf("smsgateway: insert no_reply history: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, `
		DELETE FROM command_sent WHERE status = $1 AND sent_at < now() - make_interval(secs => $2)`,
		sms.StatusSent, replyTimeout.Seconds()); err != nil {
		return fmt.Errorf("smsgateway: delete timed-out sent rows: %w", err)
	}
	return nil
}
