package smsgateway

import (
	"context"
	"database/sql"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/secrets"
)

// outboxCycleInterval is the dispatcher's poll cadence; the inbox matcher
// runs every inboxCycleEvery-th outbox cycle (spec.md §4.4 "inbox polling
// every ~2 outbox cycles"), and Cleanup runs on its own timer.
const (
	outboxCycleInterval = 10 * time.Second
	inboxCycleEvery      = 2
	cleanupInterval      = 1 * time.Minute
)

// Gateway wires the dispatcher, inbox matcher, and cleanup sweep into the
// three loops that make up C4 (spec.md §4.4).
type Gateway struct {
	db         *sql.DB
	dispatcher *Dispatcher
	inbox      *InboxMatcher
	client     ModemClient
	selector   *Selector
	secrets    *secrets.Manager
	log        *logging.Logger
	met        *metrics.Metrics

	outboxTimeout time.Duration
	replyTimeout  time.Duration
}

// NewGateway builds a Gateway with default timeout configuration.
func NewGateway(db *sql.DB, client ModemClient, secretsMgr *secrets.Manager, log *logging.Logger, met *metrics.Metrics) *Gateway {
	selector := NewSelector(db)
	return &Gateway{
		db:            db,
		dispatcher:    NewDispatcher(db, selector, client, secretsMgr, log, met),
		inbox:         NewInboxMatcher(db, log),
		client:        client,
		selector:      selector,
		secrets:       secretsMgr,
		log:           log,
		met:           met,
		outboxTimeout: DefaultOutboxTimeout,
		replyTimeout:  DefaultReplyTimeout,
	}
}

// WithTimeouts overrides the cleanup loop's default thresholds.
func (g *Gateway) WithTimeouts(outboxTimeout, replyTimeout time.Duration) *Gateway {
	g.outboxTimeout = outboxTimeout
	g.replyTimeout = replyTimeout
	return g
}

// Run blocks, ticking the outbox dispatch loop, the inbox match loop, and
// the cleanup sweep loop until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(outboxCycleInterval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			if _, err := g.dispatcher.RunCycle(ctx); err != nil && g.log != nil {
				g.log.WithError(err).Warn("smsgateway: outbox cycle failed")
			}
			if cycle%inboxCycleEvery == 0 {
				g.pollAllInboxes(ctx)
			}
		case <-cleanupTicker.C:
			if err := g.dispatcher.Cleanup(ctx, g.outboxTimeout, g.replyTimeout); err != nil && g.log != nil {
				g.log.WithError(err).Warn("smsgateway: cleanup cycle failed")
			}
		}
	}
}

func (g *Gateway) pollAllInboxes(ctx context.Context) {
	modems, err := g.selector.queryModems(ctx, `WHERE enabled = true`)
	if err != nil {
		if g.log != nil {
			g.log.WithError(err).Warn("smsgateway: list modems for inbox poll failed")
		}
		return
	}
	for _, modem := range modems {
		session, err := g.dispatcher.authedSession(ctx, modem)
		if err != nil {
			if g.log != nil {
				g.log.WithError(err).WithFields(map[string]interface{}{"modem": modem.Name}).Warn("smsgateway: inbox auth failed")
			}
			continue
		}
		if err := g.inbox.PollModem(ctx, modem, g.client, session, g.replyTimeout); err != nil && g.log != nil {
			g.log.WithError(err).WithFields(map[string]interface{}{"modem": modem.Name}).Warn("smsgateway: inbox poll failed")
		}
	}
}

// HealthSnapshot reports per-modem health for the readiness endpoint.
func (g *Gateway) HealthSnapshot(ctx context.Context) ([]sms.ModemConfig, error) {
	return g.selector.queryModems(ctx, `WHERE enabled = true`)
}
