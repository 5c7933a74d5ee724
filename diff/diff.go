// Package diff models the computed delta between a locally declared resource
// graph and the state observed on a remote registry. A WorldDiff is produced
// once per run by an external comparison step (or built all-Created from a
// declaration bundle for a first deploy), then read, never mutated, by the
// migration engine.
package diff

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// Kind discriminates the resource union. The set is closed: every switch
// over Kind ends in a default branch returning ErrUnknownKind so a new kind
// cannot slip through a synchronizer unnoticed.
type Kind int

const (
	KindNamespace Kind = iota
	KindContract
	KindLibrary
	KindRecord
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindNamespace:
		return "namespace"
	case KindContract:
		return "contract"
	case KindLibrary:
		return "library"
	case KindRecord:
		return "record"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status classifies one resource's divergence.
type Status int

const (
	// Created: declared locally, absent remotely.
	Created Status = iota
	// Updated: present on both sides with differing code.
	Updated
	// Synced: present on both sides, identical.
	Synced
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrUnknownKind   = errors.New("diff: unknown resource kind")
	ErrUnknownStatus = errors.New("diff: unknown resource status")
	ErrInvalid       = errors.New("diff: invalid world diff")
)

// Local is the declared side of one resource. Namespace is empty for
// namespace resources; Version is set for libraries only; Artifact is zero
// for namespaces, which carry no code.
type Local struct {
	Namespace string          `json:"namespace,omitempty"`
	Name      string          `json:"name"`
	Version   string          `json:"version,omitempty"`
	Artifact  remote.Artifact `json:"artifact"`
}

// Observed is the remote side of one resource, absent when Created.
// Address and Initialized are meaningful for contracts only. MetaHash is
// the hash of the metadata last uploaded for the resource, zero when none
// was ever set.
type Observed struct {
	Class       remote.Hash    `json:"class"`
	Address     remote.Address `json:"address,omitempty"`
	Initialized bool           `json:"initialized,omitempty"`
	MetaHash    remote.Hash    `json:"meta_hash,omitempty"`
}

// Resource is one entry of the diff: kind, divergence status, declared side
// and, unless Created, the observed side.
type Resource struct {
	Kind   Kind      `json:"kind"`
	Status Status    `json:"status"`
	Local  Local     `json:"local"`
	Remote *Observed `json:"remote,omitempty"`
}

// Tag returns the canonical resource tag: "namespace-name", the bare name
// for namespaces, and "namespace-name_vVERSION" for libraries, whose
// versions coexist as distinct resources.
func (r Resource) Tag() string {
	switch r.Kind {
	case KindNamespace:
		return r.Local.Name
	case KindLibrary:
		return registry.Tag(r.Local.Namespace, r.Local.Name+"_v"+r.Local.Version)
	default:
		return registry.Tag(r.Local.Namespace, r.Local.Name)
	}
}

func (r Resource) Selector() registry.Selector {
	if r.Kind == KindNamespace {
		return registry.NamespaceSelector(r.Local.Name)
	}
	return registry.SelectorFromTag(r.Tag())
}

// Initialized reports whether the remote side has run one-time setup.
// Created resources have no remote side and are never initialized.
func (r Resource) Initialized() bool {
	return r.Remote != nil && r.Remote.Initialized
}

// Grantee is one permission holder: its identity address plus an optional
// human tag when the grantee is itself a registry resource.
type Grantee struct {
	Address remote.Address `json:"address"`
	Tag     string         `json:"tag,omitempty"`
}

// Permissions is the writer or owner delta of one resource: the grant sets
// seen on each side.
type Permissions struct {
	Local  []Grantee `json:"local,omitempty"`
	Remote []Grantee `json:"remote,omitempty"`
}

// OnlyLocal returns the grants declared locally but absent remotely, the
// only ones a migration applies. Remote-only grants are never revoked.
func (p Permissions) OnlyLocal() (only []Grantee) {
	for _, g := range p.Local {
		found := false
		for _, r := range p.Remote {
			if r.Address == g.Address {
				found = true
				break
			}
		}
		if !found {
			only = append(only, g)
		}
	}
	return
}

// RegistryStatus describes what the run must do about the root registry
// contract itself.
type RegistryStatus int

const (
	RegistryNotDeployed RegistryStatus = iota
	RegistrySynced
	RegistryNewVersion
)

func (s RegistryStatus) String() string {
	switch s {
	case RegistryNotDeployed:
		return "not_deployed"
	case RegistrySynced:
		return "synced"
	case RegistryNewVersion:
		return "new_version"
	default:
		return fmt.Sprintf("registry_status(%d)", int(s))
	}
}

// RegistryInfo is the diff of the root registry contract. Seed salts its
// deterministic deployment address; Address is the derived (NotDeployed) or
// observed (otherwise) location. MetaHash tracks the world metadata last
// uploaded, zero when none.
type RegistryInfo struct {
	Status   RegistryStatus  `json:"status"`
	Address  remote.Address  `json:"address"`
	Artifact remote.Artifact `json:"artifact"`
	Seed     remote.Hash     `json:"seed"`
	MetaHash remote.Hash     `json:"meta_hash,omitempty"`
}

// ExternalClass is a code artifact tracked for externally owned contracts.
// Status is Created or Synced; external classes are never upgraded through
// the registry.
type ExternalClass struct {
	Label    string          `json:"label"`
	Status   Status          `json:"status"`
	Artifact remote.Artifact `json:"artifact"`
}

// ExternalContract is a deployment the migration tracks but the registry
// does not own. Ctor is opaque constructor data from configuration.
type ExternalContract struct {
	Tag    string      `json:"tag"`
	Status Status      `json:"status"`
	Class  remote.Hash `json:"class"`
	Salt   remote.Hash `json:"salt"`
	Ctor   []byte      `json:"ctor,omitempty"`
}

// WorldDiff is the full reconciliation input: the registry's own status,
// all namespaces, all resources keyed by selector, permission deltas, and
// externally owned contracts. It is immutable for the duration of a run.
type WorldDiff struct {
	Registry        RegistryInfo                      `json:"registry"`
	Namespaces      []registry.Selector               `json:"namespaces"`
	Resources       map[registry.Selector]Resource    `json:"resources"`
	Writers         map[registry.Selector]Permissions `json:"writers,omitempty"`
	Owners          map[registry.Selector]Permissions `json:"owners,omitempty"`
	External        map[string]ExternalContract       `json:"external_contracts,omitempty"`
	ExternalClasses map[remote.Hash]ExternalClass     `json:"external_classes,omitempty"`
}

// Selectors enumerates the resource mapping in ascending selector order.
// Every scan over Resources goes through this so call emission is stable
// across runs.
func (d *WorldDiff) Selectors() []registry.Selector {
	sels := make([]registry.Selector, 0, len(d.Resources))
	for sel := range d.Resources {
		sels = append(sels, sel)
	}
	sort.Slice(sels, func(i, j int) bool { return sels[i] < sels[j] })
	return sels
}

// WritersOf returns the writer permission delta of one resource.
func (d *WorldDiff) WritersOf(sel registry.Selector) Permissions {
	return d.Writers[sel]
}

// OwnersOf returns the owner permission delta of one resource.
func (d *WorldDiff) OwnersOf(sel registry.Selector) Permissions {
	return d.Owners[sel]
}

// IsSynced reports whether registry, resources and external entries all
// agree with the remote side. Permission drift is not counted: grants are
// reconciled even over a synced world.
func (d *WorldDiff) IsSynced() bool {
	if d.Registry.Status != RegistrySynced {
		return false
	}
	for _, res := range d.Resources {
		if res.Status != Synced {
			return false
		}
	}
	for _, ext := range d.External {
		if ext.Status != Synced {
			return false
		}
	}
	for _, cls := range d.ExternalClasses {
		if cls.Status != Synced {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants the engine relies on: namespace
// entries are sorted, unique and present in the resource mapping; every
// resource's namespace is declared; permission deltas point at known
// resources; Created resources carry no remote side and the others do.
func (d *WorldDiff) Validate() error {
	for i, sel := range d.Namespaces {
		if i > 0 && d.Namespaces[i-1] >= sel {
			return fmt.Errorf("%w: namespaces not sorted at %d", ErrInvalid, i)
		}
		ns, ok := d.Resources[sel]
		if !ok {
			return fmt.Errorf("%w: namespace %s missing from resources", ErrInvalid, sel)
		}
		if ns.Kind != KindNamespace {
			return fmt.Errorf("%w: %s listed as namespace but is a %s", ErrInvalid, sel, ns.Kind)
		}
	}
	declared := make(map[string]bool, len(d.Namespaces))
	for _, sel := range d.Namespaces {
		declared[d.Resources[sel].Local.Name] = true
	}
	for sel, res := range d.Resources {
		if got := res.Selector(); got != sel {
			return fmt.Errorf("%w: resource %s keyed under %s", ErrInvalid, got, sel)
		}
		if (res.Remote == nil) != (res.Status == Created) {
			return fmt.Errorf("%w: %s: status %s with remote side %v",
				ErrInvalid, res.Tag(), res.Status, res.Remote != nil)
		}
		if res.Kind == KindNamespace {
			continue
		}
		if !declared[res.Local.Namespace] {
			return fmt.Errorf("%w: %s references undeclared namespace %q",
				ErrInvalid, res.Tag(), res.Local.Namespace)
		}
	}
	for sel := range d.Writers {
		if _, ok := d.Resources[sel]; !ok {
			return fmt.Errorf("%w: writer delta for unknown resource %s", ErrInvalid, sel)
		}
	}
	for sel := range d.Owners {
		if _, ok := d.Resources[sel]; !ok {
			return fmt.Errorf("%w: owner delta for unknown resource %s", ErrInvalid, sel)
		}
	}
	for tag, ext := range d.External {
		if ext.Tag != tag {
			return fmt.Errorf("%w: external contract %q keyed under %q", ErrInvalid, ext.Tag, tag)
		}
	}
	return nil
}

// LabeledArtifact pairs a publishable artifact with the tag of the resource
// that contributed it, for logs and error context. Publication itself is
// de-duplicated by Code hash, so many labels may share one publish.
type LabeledArtifact struct {
	remote.Artifact
	Label string
}
