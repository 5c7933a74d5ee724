package regmig

import (
	"context"
	"fmt"
)

// syncPermissions applies the permission grants declared locally but absent
// remotely: per resource, writers first, then owners. Grants that exist
// only remotely are left in place; this step never revokes.
func (m *Migration) syncPermissions(ctx context.Context) (bool, error) {
	m.progress.Step("Syncing permissions...")

	invoker := m.newInvoker()
	for _, sel := range m.diff.Selectors() {
		res := m.diff.Resources[sel]
		tag := res.Tag()
		if m.profile.IsSkipped(tag) {
			m.log.Debug("permission sync skipping resource", "tag", tag)
			continue
		}

		for _, g := range m.diff.WritersOf(sel).OnlyLocal() {
			m.log.Debug("granting writer permission",
				"target", tag, "grantee", g.Address, "grantee_tag", g.Tag)
			invoker.AddCall(m.registry.GrantWriterCall(tag, sel, g.Address))
		}
		for _, g := range m.diff.OwnersOf(sel).OnlyLocal() {
			m.log.Debug("granting owner permission",
				"target", tag, "grantee", g.Address, "grantee_tag", g.Tag)
			invoker.AddCall(m.registry.GrantOwnerCall(tag, sel, g.Address))
		}
	}

	changed := len(invoker.Calls) > 0
	m.progress.Step(fmt.Sprintf("Applying %d permission grants...", len(invoker.Calls)))
	if err := invoker.Flush(ctx, m.batch()); err != nil {
		return false, err
	}
	return changed, nil
}
