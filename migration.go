// Package regmig converges a remote resource registry toward a locally
// declared world: it maps a precomputed diff to the minimal sequence of
// publish, register, upgrade, grant, init and deploy operations, and
// applies them in an order that keeps every reference valid. Re-running a
// migration is always safe; completed work is recognized and skipped.
package regmig

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// MigrationResult is the outward signal of one run: whether any operation
// was needed, and the audit manifest of the converged world.
type MigrationResult struct {
	HasChanges bool
	Manifest   diff.Manifest
}

// Options tune one Migration. The zero value works: default profile,
// stderr logging, logger-backed progress.
type Options struct {
	Profile  *Profile
	Logger   utils.Logger
	Progress Progress

	// Guest runs never touch the root registry itself (step one is
	// skipped entirely), for migrating resources into a registry owned
	// by someone else.
	Guest bool
}

func (o *Options) SetDefaults() {
	if o.Profile == nil {
		o.Profile = &Profile{}
		o.Profile.SetDefaults()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Progress == nil {
		o.Progress = NewLogProgress(o.Logger)
	}
	o.Guest = o.Guest || o.Profile.Migration.Guest
}

// Migration binds one world diff to one connected session and applies the
// convergence protocol: registry, resources, permissions, inits, external
// contracts, strictly in that order. The diff is read-only throughout; a
// Migration may be re-run after a failure and will not redo completed work.
type Migration struct {
	diff     *diff.WorldDiff
	session  remote.Session
	registry registry.Registry
	deployer *Deployer
	declarer *Declarer
	profile  *Profile
	progress Progress
	guest    bool
	log      utils.Logger

	publishers   []remote.Identity
	publishersOK bool
}

func NewMigration(d *diff.WorldDiff, session remote.Session, opts Options) *Migration {
	opts.SetDefaults()
	return &Migration{
		diff:     d,
		session:  session,
		registry: registry.New(d.Registry.Address),
		deployer: NewDeployer(session, opts.Logger),
		declarer: NewDeclarer(session, opts.Logger),
		profile:  opts.Profile,
		progress: opts.Progress,
		guest:    opts.Guest,
		log:      opts.Logger,
	}
}

func (m *Migration) batch() bool { return !m.profile.Migration.DisableBatch }

func (m *Migration) newInvoker() *Invoker {
	return NewInvoker(m.session, remote.ExecOpts{Wait: true}, m.log)
}

// publisherIdentities resolves the signing identities used to shard class
// publication. Identities named in the profile must resolve or the run
// fails; with none configured, the target's prefunded identities are used
// when it offers any, and their absence silently means no sharding.
func (m *Migration) publisherIdentities(ctx context.Context) ([]remote.Identity, error) {
	if m.publishersOK {
		return m.publishers, nil
	}
	refs := m.profile.Migration.Publishers
	ids := make([]remote.Identity, 0, len(refs))
	for _, ref := range refs {
		id, err := m.session.ResolveIdentity(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("publisher %q: %w", ref, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		prefunded, err := m.session.PrefundedIdentities(ctx)
		if err != nil {
			m.log.Warn("prefunded identities unavailable", "error", err)
		} else {
			ids = prefunded
		}
	}
	m.publishers, m.publishersOK = ids, true
	return ids, nil
}

// declareClasses publishes everything the shared declarer has accumulated,
// fanning out across the publisher identities when there are any.
func (m *Migration) declareClasses(ctx context.Context) error {
	n := len(m.declarer.Classes)
	if n == 0 {
		return nil
	}
	ids, err := m.publisherIdentities(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		m.progress.Step(fmt.Sprintf("Declaring %d classes...", n))
	} else {
		m.progress.Step(fmt.Sprintf("Declaring %d classes with %d publishers...", n, len(ids)))
	}
	return m.declarer.DeclareAllSharded(ctx, ids)
}

// Migrate runs the full convergence protocol. Any failure aborts the
// remaining steps; the remote state is left partially converged and a
// re-run resumes safely from a fresh diff.
func (m *Migration) Migrate(ctx context.Context) (*MigrationResult, error) {
	RegisterMetrics()
	res, err := m.migrate(ctx)
	switch {
	case err != nil:
		MigrationRuns.WithLabelValues("failed").Inc()
	case res.HasChanges:
		MigrationRuns.WithLabelValues("changed").Inc()
	default:
		MigrationRuns.WithLabelValues("unchanged").Inc()
	}
	return res, err
}

func (m *Migration) migrate(ctx context.Context) (*MigrationResult, error) {
	changed := false
	deployedBlock := uint64(0)

	if !m.guest {
		start := time.Now()
		c, block, err := m.ensureRegistry(ctx)
		StepDuration.WithLabelValues("registry").Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		changed = changed || c
		deployedBlock = block
	} else if m.diff.Registry.Status == diff.RegistryNotDeployed {
		return nil, ErrGuestMode
	}

	if !m.diff.IsSynced() {
		c, err := m.step(ctx, "resources", m.syncResources)
		if err != nil {
			return nil, err
		}
		changed = changed || c
	}

	c, err := m.step(ctx, "permissions", m.syncPermissions)
	if err != nil {
		return nil, err
	}
	changed = changed || c

	c, err = m.step(ctx, "inits", m.initializeContracts)
	if err != nil {
		return nil, err
	}
	changed = changed || c

	c, err = m.step(ctx, "external", m.syncExternalContracts)
	if err != nil {
		return nil, err
	}
	changed = changed || c

	manifest := diff.NewManifest(m.diff)
	manifest.Registry.Block = deployedBlock

	if changed {
		m.progress.Done("Migration successful.")
	} else {
		m.progress.Done("Nothing to migrate, world is up to date.")
	}
	return &MigrationResult{HasChanges: changed, Manifest: manifest}, nil
}

func (m *Migration) step(ctx context.Context, name string,
	fn func(context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	changed, err := fn(ctx)
	StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return changed, err
}

// ensureRegistry declares and deploys (or upgrades) the root registry.
// The returned block is the deployment block of a first deploy, for the
// manifest; zero otherwise.
func (m *Migration) ensureRegistry(ctx context.Context) (bool, uint64, error) {
	info := m.diff.Registry
	switch info.Status {
	case diff.RegistrySynced:
		return false, 0, nil

	case diff.RegistryNotDeployed:
		m.progress.Step("Deploying the registry...")

		d := m.declarer
		d.AddClass(diff.LabeledArtifact{Artifact: info.Artifact, Label: "registry"})
		if err := d.DeclareAll(ctx); err != nil {
			return false, 0, err
		}

		ctor := registry.ConstructorData(info.Artifact.Class)
		addr, receipt, err := m.deployer.Deploy(ctx, "registry",
			info.Artifact.Class, info.Seed, ctor, 0)
		if err != nil {
			return false, 0, err
		}
		if addr != info.Address {
			return false, 0, fmt.Errorf("registry deployed at %s, diff expected %s", addr, info.Address)
		}

		block := uint64(0)
		if receipt == nil {
			// an interrupted earlier run already deployed it
			m.progress.Step("Registry already deployed, continuing...")
		} else if receipt.Pending {
			n, err := m.session.BlockNumber(ctx)
			if err != nil {
				return false, 0, err
			}
			block = n
			m.progress.Step(fmt.Sprintf(
				"Registry deployed at pending block (%d), txn %s", n, receipt.Tx))
		} else {
			block = receipt.Block
			m.progress.Step(fmt.Sprintf(
				"Registry deployed at block %d, txn %s", receipt.Block, receipt.Tx))
		}
		return true, block, nil

	case diff.RegistryNewVersion:
		m.progress.Step("Upgrading the registry...")

		d := m.declarer
		d.AddClass(diff.LabeledArtifact{Artifact: info.Artifact, Label: "registry"})
		if err := d.DeclareAll(ctx); err != nil {
			return false, 0, err
		}

		invoker := m.newInvoker()
		invoker.AddCall(m.registry.UpgradeRegistryCall(info.Artifact.Class))
		if _, err := invoker.Multicall(ctx); err != nil {
			return false, 0, err
		}
		return true, 0, nil

	default:
		return false, 0, fmt.Errorf("%w: registry %v", diff.ErrUnknownStatus, info.Status)
	}
}
