package smsgateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// inboxDedupWindow dedups inbound messages by (sim_no, text) seen in
// command_history within the last minute, so a modem's inbox poll cycle
// overlap doesn't double-record a reply (spec.md §4.4 "dedup by
// (sim_no,text) within 1-minute window via command_history").
const inboxDedupWindow = 1 * time.Minute

// InboxMatcher polls every modem's inbox and reconciles each message
// against the most recent unfulfilled command_sent row for that sim.
type InboxMatcher struct {
	db  *sql.DB
	log *logging.Logger
}

// NewInboxMatcher builds an InboxMatcher.
func NewInboxMatcher(db *sql.DB, log *logging.Logger) *InboxMatcher {
	return &InboxMatcher{db: db, log: log}
}

// PollModem fetches modem's inbox through the dispatcher's session and
// matches each message. Call this every ~2 outbox cycles (spec.md §4.4
// "inbox polling every ~2 outbox cycles").
func (m *InboxMatcher) PollModem(ctx context.Context, modem sms.ModemConfig, client ModemClient, session Session, replyTimeout time.Duration) error {
	messages, err := client.PollInbox(ctx, modem, session)
	if err != nil {
		return fmt.Errorf("smsgateway: poll inbox for modem %s: %w", modem.Name, err)
	}
	for _, msg := range messages {
		if m.isDuplicate(ctx, msg) {
			continue
		}
		m.match(ctx, modem, msg, replyTimeout)
	}
	return nil
}

func (m *InboxMatcher) isDuplicate(ctx context.Context, msg InboundMessage) bool {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM command_history
			WHERE sim_no = $1 AND text = $2 AND direction = 'incoming'
			AND recorded_at > now() - make_interval(secs => $3))`,
		msg.SimNo, msg.Text, inboxDedupWindow.Seconds()).Scan(&exists)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("smsgateway: inbox dedup check failed")
		}
		return false
	}
	return exists
}

// match finds the most recent unfulfilled command_sent row for msg.SimNo
// within replyTimeout; on a match it records success and removes the sent
// row, otherwise it records an unmatched incoming history row (spec.md
// §4.4 "match to most recent unfulfilled command_sent row... or insert
// unmatched incoming history").
func (m *InboxMatcher) match(ctx context.Context, modem sms.ModemConfig, msg InboundMessage, replyTimeout time.Duration) {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}

	var sent sms.CommandSent
	err := m.db.QueryRowContext(ctx, `
		SELECT id, outbox_id, imei, sim_no, text, send_method, modem_id, modem_name, status, sent_at, config_id, user_id
		FROM command_sent
		WHERE sim_no = $1 AND status = $2 AND sent_at > now() - make_interval(secs => $3)
		ORDER BY sent_at DESC LIMIT 1`,
		msg.SimNo, sms.StatusSent, replyTimeout.Seconds()).Scan(
		&sent.ID, &sent.OutboxID, &sent.IMEI, &sent.SimNo, &sent.Text, &sent.SendMethod,
		&sent.ModemID, &sent.ModemName, &sent.Status, &sent.SentAt, &sent.ConfigID, &sent.UserID)

	if err == sql.ErrNoRows {
		m.recordUnmatched(ctx, modem, msg)
		return
	}
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("smsgateway: match lookup failed")
		}
		return
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_history (imei, sim_no, text, direction, status, modem_id, modem_name, config_id, user_id, recorded_at)
		VALUES ($1, $2, $3, 'incoming', $4, $5, $6, $7, $8, now())`,
		sent.IMEI, sent.SimNo, msg.Text, sms.StatusSuccessful, sent.ModemID, sent.ModemName, sent.ConfigID, sent.UserID); err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("smsgateway: insert matched command_history")
		}
		return
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM command_sent WHERE id = $1`, sent.ID); err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("smsgateway: delete matched command_sent row")
		}
		return
	}
	if err := tx.Commit(); err != nil && m.log != nil {
		m.log.WithError(err).Warn("smsgateway: commit match tx")
	}
}

func (m *InboxMatcher) recordUnmatched(ctx context.Context, modem sms.ModemConfig, msg InboundMessage) {
	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO command_history (imei, sim_no, text, direction, status, modem_id, modem_name, recorded_at)
		VALUES (0, $1, $2, 'incoming', $3, $4, $5, now())`,
		msg.SimNo, msg.Text, sms.StatusSuccessful, modem.ID, modem.Name); err != nil && m.log != nil {
		m.log.WithError(err).Warn("smsgateway: insert unmatched command_history")
	}
}
