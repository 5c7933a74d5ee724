package regmig

import (
	"context"
	"fmt"

	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// syncResources converges the resource graph: namespaces first, then one
// register or upgrade call per diverged resource, with every referenced
// class published before the call batch flushes.
func (m *Migration) syncResources(ctx context.Context) (bool, error) {
	m.progress.Step("Syncing resources...")

	invoker := m.newInvoker()
	if err := m.namespaceCalls(invoker); err != nil {
		return false, err
	}

	resources := 0
	for _, sel := range m.diff.Selectors() {
		res := m.diff.Resources[sel]
		if res.Kind == diff.KindNamespace {
			continue
		}
		if m.profile.IsSkipped(res.Tag()) {
			m.log.Debug("resource sync skipping resource", "tag", res.Tag())
			continue
		}

		calls, classes, err := m.resourceCalls(sel, res)
		if err != nil {
			return false, err
		}
		if len(calls) > 0 {
			resources++
		}
		invoker.ExtendCalls(calls)
		m.declarer.ExtendClasses(classes)
	}

	changed := len(m.declarer.Classes) > 0 || len(invoker.Calls) > 0

	if err := m.declareClasses(ctx); err != nil {
		return false, err
	}

	m.progress.Step(fmt.Sprintf("Registering %d resources...", resources))
	if err := invoker.Flush(ctx, m.batch()); err != nil {
		return false, err
	}
	return changed, nil
}

// namespaceCalls queues registration of every Created namespace, in the
// diff's sorted namespace order. Contracts, libraries, records and events
// are namespaced, so these calls must precede every other registration.
func (m *Migration) namespaceCalls(invoker *Invoker) error {
	for _, sel := range m.diff.Namespaces {
		res, ok := m.diff.Resources[sel]
		if !ok {
			return fmt.Errorf("%w: namespace %s missing from resources", diff.ErrInvalid, sel)
		}
		if res.Status == diff.Created {
			m.log.Debug("registering namespace", "name", res.Local.Name)
			invoker.AddCall(m.registry.RegisterNamespaceCall(res.Local.Name))
		}
	}
	return nil
}

// resourceCalls maps one diff entry to its calls and classes. Created emits
// one class and one register call, Updated one class and one upgrade call,
// Synced nothing. Libraries are immutable: an Updated library entry means
// the comparison step upstream is broken, and the run stops.
func (m *Migration) resourceCalls(sel registry.Selector, res diff.Resource) (
	[]remote.Call, []diff.LabeledArtifact, error) {

	tag := res.Tag()
	local := res.Local
	class := diff.LabeledArtifact{Artifact: local.Artifact, Label: tag}
	classes := []diff.LabeledArtifact{class}

	var call remote.Call
	switch res.Status {
	case diff.Synced:
		return nil, nil, nil

	case diff.Created:
		m.log.Debug("registering resource",
			"kind", res.Kind, "tag", tag, "class", local.Artifact.Class)
		switch res.Kind {
		case diff.KindContract:
			call = m.registry.RegisterContractCall(tag, sel, local.Namespace, local.Name, local.Artifact.Class)
		case diff.KindLibrary:
			call = m.registry.RegisterLibraryCall(tag, sel, local.Namespace, local.Name, local.Version, local.Artifact.Class)
		case diff.KindRecord:
			call = m.registry.RegisterRecordCall(tag, sel, local.Namespace, local.Name, local.Artifact.Class)
		case diff.KindEvent:
			call = m.registry.RegisterEventCall(tag, sel, local.Namespace, local.Name, local.Artifact.Class)
		default:
			return nil, nil, fmt.Errorf("%w: %s is a %s", diff.ErrUnknownKind, tag, res.Kind)
		}

	case diff.Updated:
		m.log.Debug("upgrading resource",
			"kind", res.Kind, "tag", tag, "class", local.Artifact.Class)
		switch res.Kind {
		case diff.KindContract:
			call = m.registry.UpgradeContractCall(tag, sel, local.Namespace, local.Artifact.Class)
		case diff.KindLibrary:
			return nil, nil, fmt.Errorf("%s: %w", tag, ErrLibraryUpgrade)
		case diff.KindRecord:
			call = m.registry.UpgradeRecordCall(tag, sel, local.Namespace, local.Artifact.Class)
		case diff.KindEvent:
			call = m.registry.UpgradeEventCall(tag, sel, local.Namespace, local.Artifact.Class)
		default:
			return nil, nil, fmt.Errorf("%w: %s is a %s", diff.ErrUnknownKind, tag, res.Kind)
		}

	default:
		return nil, nil, fmt.Errorf("%w: %s is %s", diff.ErrUnknownStatus, tag, res.Status)
	}

	return []remote.Call{call}, classes, nil
}
