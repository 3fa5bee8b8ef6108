/*
reconciler.go - Background consistency checker

PURPOSE:
  Periodically re-folds every product's stock from its movement ledger and
  every party's balance from its transaction log, and compares the folds
  against the cached counters. A divergence means a bug or out-of-band data
  edit; it is logged loudly but never auto-corrected.

  While walking the catalog it also logs an advisory for products at or
  under their critical level, which feeds the dashboard's reorder alerts.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Products and parties are checked concurrently (errgroup)
  - Read-only: the reconciler never writes

USAGE:
  rec := NewReconciler(store, log, 5*time.Minute)
  rec.Start()
  // ... later
  rec.Stop()

SEE ALSO:
  - ledger/balance.go: CheckProductStock, CheckPartyBalance
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vetdesk/ledger-engine/ledger"
)

// Reconciler re-checks cached stock and balance counters on a timer.
type Reconciler struct {
	Store    ledger.Store
	Log      *zap.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciler creates a reconciler. An interval of zero disables it.
func NewReconciler(store ledger.Store, log *zap.Logger, interval time.Duration) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		Store:    store,
		Log:      log,
		Interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the background loop.
func (rc *Reconciler) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Interval <= 0 {
		rc.Log.Info("reconciler disabled")
		return
	}

	rc.ticker = time.NewTicker(rc.Interval)
	rc.wg.Add(1)
	go rc.run(rc.ticker)

	rc.Log.Info("reconciler started", zap.Duration("interval", rc.Interval))
}

// Stop halts the background loop and waits for an in-flight pass to finish.
func (rc *Reconciler) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.ticker != nil {
		rc.ticker.Stop()
		rc.ticker = nil
		close(rc.stop)
		rc.wg.Wait()
		rc.Log.Info("reconciler stopped")
	}
}

func (rc *Reconciler) run(ticker *time.Ticker) {
	defer rc.wg.Done()

	// Run immediately on start
	rc.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			rc.RunOnce(context.Background())
		case <-rc.stop:
			return
		}
	}
}

// RunOnce performs a single reconciliation pass. Exposed for tests and
// admin triggering.
func (rc *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()
	var productViolations, partyViolations int

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		productViolations, err = rc.checkProducts(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		partyViolations, err = rc.checkParties(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		rc.Log.Error("reconciliation pass failed", zap.Error(err))
		return
	}
	rc.Log.Info("reconciliation pass complete",
		zap.Int("violations", productViolations+partyViolations),
		zap.Duration("elapsed", time.Since(start)))
}

func (rc *Reconciler) checkProducts(ctx context.Context) (int, error) {
	products, err := rc.Store.ListProducts(ctx)
	if err != nil {
		return 0, err
	}

	violations := 0
	for i := range products {
		p := &products[i]
		if p.IsService {
			continue
		}
		if err := rc.confirm(func() error {
			return ledger.CheckProductStock(ctx, rc.Store, p.ID)
		}); err != nil {
			var iv *ledger.InvariantViolationError
			if errors.As(err, &iv) {
				violations++
				rc.Log.Error("stock invariant violation",
					zap.String("product_id", string(p.ID)),
					zap.String("name", p.Name),
					zap.String("cached", iv.Cached),
					zap.String("refolded", iv.Refolded))
				continue
			}
			return violations, err
		}
		if p.BelowCritical() {
			rc.Log.Warn("product below critical level",
				zap.String("product_id", string(p.ID)),
				zap.String("name", p.Name),
				zap.Int64("stock", p.Stock),
				zap.Int64("critical_level", p.CriticalLevel))
		}
	}
	return violations, nil
}

// confirm runs a refold check twice. The checks read the cached counter and
// the underlying log in separate store calls, so a unit of work committing
// between the two reads can make a consistent entity look diverged; a real
// divergence survives the second look.
func (rc *Reconciler) confirm(check func() error) error {
	err := check()
	var iv *ledger.InvariantViolationError
	if err == nil || !errors.As(err, &iv) {
		return err
	}
	return check()
}

func (rc *Reconciler) checkParties(ctx context.Context) (int, error) {
	parties, err := rc.Store.ListParties(ctx, "")
	if err != nil {
		return 0, err
	}

	violations := 0
	for i := range parties {
		p := &parties[i]
		if err := rc.confirm(func() error {
			return ledger.CheckPartyBalance(ctx, rc.Store, p.ID)
		}); err != nil {
			var iv *ledger.InvariantViolationError
			if errors.As(err, &iv) {
				violations++
				rc.Log.Error("balance invariant violation",
					zap.String("party_id", string(p.ID)),
					zap.String("name", p.Name),
					zap.String("cached", iv.Cached),
					zap.String("refolded", iv.Refolded))
				continue
			}
			return violations, err
		}
	}
	return violations, nil
}
