package regmig

import (
	"context"
	"fmt"
	"sort"

	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/remote"
)

// syncExternalContracts publishes the classes of externally owned
// contracts and deploys every one the diff marks Created, through the
// deterministic deployment scheme with the configured salt and raw
// constructor data. Constructor payloads are opaque here.
func (m *Migration) syncExternalContracts(ctx context.Context) (bool, error) {
	m.progress.Step(fmt.Sprintf("Syncing %d external contracts...", len(m.diff.External)))

	codes := make([]remote.Hash, 0, len(m.diff.ExternalClasses))
	for code := range m.diff.ExternalClasses {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		cls := m.diff.ExternalClasses[code]
		if cls.Status != diff.Created {
			continue
		}
		m.declarer.AddClass(diff.LabeledArtifact{Artifact: cls.Artifact, Label: cls.Label})
	}

	declared := len(m.declarer.Classes)
	if err := m.declareClasses(ctx); err != nil {
		return false, err
	}

	tags := make([]string, 0, len(m.diff.External))
	for tag := range m.diff.External {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	invoker := m.newInvoker()
	for _, tag := range tags {
		ext := m.diff.External[tag]
		if ext.Status != diff.Created {
			continue
		}
		_, call, err := m.deployer.DeployCall(ctx, tag, ext.Class, ext.Salt, ext.Ctor, 0)
		if err != nil {
			return false, err
		}
		if call != nil {
			invoker.AddCall(*call)
		}
	}

	changed := declared > 0 || len(invoker.Calls) > 0
	m.progress.Step(fmt.Sprintf("Deploying %d external contracts...", len(invoker.Calls)))
	if err := invoker.Flush(ctx, m.batch()); err != nil {
		return false, err
	}
	return changed, nil
}
