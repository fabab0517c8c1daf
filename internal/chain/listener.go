package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/metrics"
	"github.com/hakifi/insurance-engine/internal/model"
)

// Handler receives decoded, debounced contract events. Implemented by the
// reconciliation engine; every method is idempotent on its own, so the
// debounce in front of it is purely a load optimization.
type Handler interface {
	// OnContractCreated processes an observed funding deposit.
	OnContractCreated(ctx context.Context, id, address, unit string, margin decimal.Decimal, txHash string) error

	// OnContractStateChanged confirms a terminal state reported by the chain.
	OnContractStateChanged(ctx context.Context, id string, state model.State, txHash string) error
}

// DefaultDebounce is the coalescing window for duplicate event deliveries
// from redundant provider connections.
const DefaultDebounce = 30 * time.Millisecond

// Listener subscribes once to the contract event stream and dispatches
// CREATE, REFUND, and CLAIM to the handler. The remaining discriminators mark
// transitions the engine itself initiated off-chain, so they are no-ops here;
// unknown discriminators are logged and dropped.
type Listener struct {
	client   Client
	handler  Handler
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	latest map[string]Event
}

// NewListener creates a listener with the given debounce window; window <= 0
// disables coalescing.
func NewListener(client Client, handler Handler, window time.Duration) *Listener {
	return &Listener{
		client:   client,
		handler:  handler,
		debounce: window,
		timers:   make(map[string]*time.Timer),
		latest:   make(map[string]Event),
	}
}

// Run subscribes and processes events until ctx is cancelled or the stream
// closes. Call once at startup.
func (l *Listener) Run(ctx context.Context) error {
	events, err := l.client.Subscribe(ctx)
	if err != nil {
		return err
	}
	slog.Info("chain listener started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				slog.Warn("chain event stream closed")
				return nil
			}
			l.observe(ctx, ev)
		}
	}
}

// observe coalesces rapid duplicate deliveries of the same (id, type) pair:
// each arrival resets the timer, and only the last event in the window is
// dispatched. Correctness does not depend on this — the handler's
// conditional updates absorb any duplicates that slip through.
func (l *Listener) observe(ctx context.Context, ev Event) {
	if l.debounce <= 0 {
		l.dispatch(ctx, ev)
		return
	}

	key := ev.ID + "|" + ev.Type.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.latest[key] = ev
	if t, ok := l.timers[key]; ok {
		t.Reset(l.debounce)
		return
	}
	l.timers[key] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		last := l.latest[key]
		delete(l.timers, key)
		delete(l.latest, key)
		l.mu.Unlock()

		l.dispatch(ctx, last)
	})
}

func (l *Listener) dispatch(ctx context.Context, ev Event) {
	log := slog.With("insurance", ev.ID, "type", ev.Type.String(), "txhash", ev.TxHash)
	metrics.ChainEventsTotal.WithLabelValues(ev.Type.String()).Inc()

	var err error
	switch ev.Type {
	case EventCreate:
		err = l.handler.OnContractCreated(ctx, ev.ID, ev.Address, ev.Unit, ev.Margin, ev.TxHash)
	case EventRefund:
		err = l.handler.OnContractStateChanged(ctx, ev.ID, model.StateRefunded, ev.TxHash)
	case EventClaim:
		err = l.handler.OnContractStateChanged(ctx, ev.ID, model.StateClaimed, ev.TxHash)
	case EventUpdateAvailable, EventInvalid, EventCancel, EventExpired, EventLiquidated:
		// Off-chain-initiated transitions; the engine already holds the
		// authoritative record.
		log.Debug("chain event acknowledged")
		return
	default:
		log.Warn("unknown chain event discriminator, dropping")
		return
	}

	if err != nil {
		log.Error("chain event handling failed", "err", err)
	}
}
