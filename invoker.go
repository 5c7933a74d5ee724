package regmig

import (
	"context"
	"fmt"

	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// Invoker accumulates mutating calls in emission order and flushes them
// through one signing identity: either one atomic batch, or one transaction
// per call. It owns the identity's nonce sequence while flushing; never
// share one identity between two invokers flushing concurrently.
type Invoker struct {
	Calls []remote.Call

	identity remote.Identity
	opts     remote.ExecOpts
	log      utils.Logger
}

func NewInvoker(identity remote.Identity, opts remote.ExecOpts, log utils.Logger) *Invoker {
	return &Invoker{identity: identity, opts: opts, log: log}
}

func (inv *Invoker) AddCall(call remote.Call) {
	inv.Calls = append(inv.Calls, call)
}

func (inv *Invoker) ExtendCalls(calls []remote.Call) {
	inv.Calls = append(inv.Calls, calls...)
}

// ExtendOrdered appends a block of calls that must run after everything
// already accumulated, preserving the block's own order.
func (inv *Invoker) ExtendOrdered(calls []remote.Call) {
	inv.Calls = append(inv.Calls, calls...)
}

// Multicall flushes all pending calls as one atomic transaction. A nil
// receipt with nil error means there was nothing to do.
func (inv *Invoker) Multicall(ctx context.Context) (*remote.Receipt, error) {
	if len(inv.Calls) == 0 {
		return nil, nil
	}
	calls := inv.Calls
	inv.Calls = nil
	receipt, err := inv.identity.Execute(ctx, calls, true, inv.opts)
	if err != nil {
		return nil, fmt.Errorf("multicall of %d calls: %w", len(calls), err)
	}
	for _, c := range calls {
		ExecutedCalls.WithLabelValues(c.Method, "batch").Inc()
	}
	inv.log.Debug("flushed call batch", "calls", len(calls), "tx", receipt.Tx)
	return receipt, nil
}

// InvokeAllSequentially flushes pending calls one transaction each, in
// order, waiting per call as the exec options demand. The first failure
// stops the flush; already-submitted calls stay submitted.
func (inv *Invoker) InvokeAllSequentially(ctx context.Context) error {
	calls := inv.Calls
	inv.Calls = nil
	for _, call := range calls {
		receipt, err := inv.identity.Execute(ctx, []remote.Call{call}, false, inv.opts)
		if err != nil {
			return callFailed(call.Method, call.Tag, err)
		}
		ExecutedCalls.WithLabelValues(call.Method, "sequential").Inc()
		inv.log.Debug("invoked", "method", call.Method, "tag", call.Tag, "tx", receipt.Tx)
	}
	return nil
}

// Flush runs Multicall or InvokeAllSequentially per the batching toggle.
func (inv *Invoker) Flush(ctx context.Context, batch bool) error {
	if batch {
		_, err := inv.Multicall(ctx)
		return err
	}
	return inv.InvokeAllSequentially(ctx)
}
