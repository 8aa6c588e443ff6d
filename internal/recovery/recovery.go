// Package recovery restores RemindPipe's in-flight work after a restart.
//
// Durable state lives in the store; recovery only re-derives the work that a
// crash could leave orphaned, such as jobs stuck in the running state or
// reminders whose delivery job was never enqueued. Components register a
// Recoverable and the manager runs them once at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that can restore its state on startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover is called once during application startup.
	Recover(ctx context.Context) error
}

// Result summarizes one recovery pass.
type Result struct {
	Recovered int
	Failed    []string
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	recoverables []Recoverable
	timeout      time.Duration
}

// DefaultRecoveryTimeout bounds a single component's recovery.
const DefaultRecoveryTimeout = time.Minute

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{timeout: DefaultRecoveryTimeout}
}

// SetTimeout changes the per-component timeout. Non-positive values disable it.
func (rm *RecoveryManager) SetTimeout(d time.Duration) {
	rm.timeout = d
}

// RegisterRecoverable adds a component that can be recovered. Components run
// in registration order.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// Len returns the number of registered components.
func (rm *RecoveryManager) Len() int { return len(rm.recoverables) }

// RecoverAll runs every registered component. A failing component does not
// stop the others; the returned error reports how many failed.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) (Result, error) {
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.recoverables))

	var res Result
	for _, r := range rm.recoverables {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := rm.recoverOne(ctx, r); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			res.Failed = append(res.Failed, r.Name())
			continue
		}
		res.Recovered++
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "recovered", res.Recovered, "errors", len(res.Failed))

	if len(res.Failed) > 0 {
		return res, fmt.Errorf("recovery completed with %d errors out of %d components", len(res.Failed), len(rm.recoverables))
	}
	return res, nil
}

func (rm *RecoveryManager) recoverOne(ctx context.Context, r Recoverable) error {
	if rm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rm.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := r.Recover(ctx); err != nil {
		return err
	}
	slog.Debug("RecoveryManager.recoverOne: component recovered", "component", r.Name(), "duration", time.Since(start))
	return nil
}
