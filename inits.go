package regmig

import (
	"context"
	"fmt"

	"github.com/chainforge/regmig/calldata"
	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// initializeContracts runs one-time setup on every eligible contract:
// Created ones always, Updated and Synced ones only while the remote side
// reports them uninitialized. Contracts named in the profile's init order
// list run last, in list order; the rest run in selector order.
func (m *Migration) initializeContracts(ctx context.Context) (bool, error) {
	m.progress.Step("Initializing contracts...")

	invoker := m.newInvoker()
	orderTags := m.profile.Migration.OrderInits
	ordered := make(map[int]remote.Call)
	var positions utils.Heap[int]

	for _, sel := range m.diff.Selectors() {
		res := m.diff.Resources[sel]
		if res.Kind != diff.KindContract {
			continue
		}
		tag := res.Tag()
		if m.profile.IsSkipped(tag) {
			m.log.Debug("contract init skipping resource", "tag", tag)
			continue
		}

		var doInit bool
		switch res.Status {
		case diff.Created:
			doInit = true
		case diff.Updated, diff.Synced:
			doInit = !res.Initialized()
		default:
			return false, fmt.Errorf("%w: %s is %s", diff.ErrUnknownStatus, tag, res.Status)
		}
		if !doInit {
			continue
		}

		args, err := m.initCallArgs(tag)
		if err != nil {
			return false, err
		}
		m.log.Debug("initializing contract", "tag", tag, "args", len(args))

		call := m.registry.InitContractCall(tag, sel, args)
		if pos := tagPosition(orderTags, tag); pos >= 0 {
			ordered[pos] = call
			positions.Push(pos)
		} else {
			invoker.AddCall(call)
		}
	}

	for positions.Len() > 0 {
		invoker.ExtendOrdered([]remote.Call{ordered[positions.Pop()]})
	}

	changed := len(invoker.Calls) > 0
	m.progress.Step(fmt.Sprintf("Initializing %d contracts...", len(invoker.Calls)))
	if err := invoker.Flush(ctx, m.batch()); err != nil {
		return false, err
	}
	return changed, nil
}

// initCallArgs decodes the profile's init arguments for one contract tag.
// No entry means an empty argument list; an entry that fails to decode is a
// configuration error and stops the run before any call goes out.
func (m *Migration) initCallArgs(tag string) ([][]byte, error) {
	raw, ok := m.profile.InitArgs[tag]
	if !ok {
		return nil, nil
	}
	args, err := calldata.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: contract %s: %v", ErrInitCallArgs, tag, err)
	}
	return args, nil
}

func tagPosition(tags []string, tag string) int {
	for i, t := range tags {
		if t == tag {
			return i
		}
	}
	return -1
}
