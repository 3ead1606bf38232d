// Package pgnotify wraps github.com/lib/pq's LISTEN/NOTIFY support into the
// single-channel event bus the recalculation worker uses to react to
// config_change_log writes without waiting for its poll fallback.
package pgnotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
)

// Notification is a single LISTEN payload delivered on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Handler processes one Notification. An error is logged but never stops
// the listener loop.
type Handler func(ctx context.Context, n Notification) error

// Bus maintains one pq.Listener connection and fans out notifications to
// per-channel handlers registered via Listen.
type Bus struct {
	listener *pq.Listener
	log      *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a pq.Listener against dsn. The listener's own reconnect backoff
// on connection loss is fixed at 10 seconds minimum, 1 minute maximum.
func New(dsn string, log *logging.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:      log,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && log != nil {
			log.WithError(err).Warn("pgnotify: listener event")
		}
	}
	b.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	b.wg.Add(1)
	go b.loop()
	return b
}

// Listen subscribes handler to channel, issuing LISTEN on first subscriber.
func (b *Bus) Listen(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("pgnotify: listen %s: %w", channel, err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Close stops the listener loop and releases the connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.listener.Notify:
			if n == nil {
				continue // connection dropped; pq.Listener reconnects internally
			}
			b.dispatch(n.Channel, n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := b.listener.Ping(); err != nil && b.log != nil {
					b.log.WithError(err).Warn("pgnotify: ping failed")
				}
			}()
		}
	}
}

func (b *Bus) dispatch(channel, payload string) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[channel]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h(ctx, Notification{Channel: channel, Payload: payload}); err != nil && b.log != nil {
				b.log.WithError(err).Warn("pgnotify: handler error")
			}
		}(h)
	}
}
