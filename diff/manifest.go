package diff

import (
	"sort"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// Manifest is the audit projection of one world diff: what the world looks
// like once the run converges. Built fresh at the end of every run, written
// to the journal, never read back by the engine.
type Manifest struct {
	Registry   RegistryManifest   `json:"registry"`
	Namespaces []string           `json:"namespaces"`
	Contracts  []ContractManifest `json:"contracts,omitempty"`
	Libraries  []LibraryManifest  `json:"libraries,omitempty"`
	Records    []ResourceManifest `json:"records,omitempty"`
	Events     []ResourceManifest `json:"events,omitempty"`
	External   []ExternalManifest `json:"external_contracts,omitempty"`
}

// RegistryManifest records where the root registry lives. Block is the
// block of its deployment when this run performed one, zero otherwise.
type RegistryManifest struct {
	Address remote.Address `json:"address"`
	Class   remote.Hash    `json:"class"`
	Seed    remote.Hash    `json:"seed"`
	Block   uint64         `json:"block,omitempty"`
}

type ContractManifest struct {
	Tag         string            `json:"tag"`
	Selector    registry.Selector `json:"selector"`
	Class       remote.Hash       `json:"class"`
	Address     remote.Address    `json:"address"`
	Initialized bool              `json:"initialized"`
}

type LibraryManifest struct {
	Tag      string            `json:"tag"`
	Selector registry.Selector `json:"selector"`
	Class    remote.Hash       `json:"class"`
	Version  string            `json:"version"`
}

type ResourceManifest struct {
	Tag      string            `json:"tag"`
	Selector registry.Selector `json:"selector"`
	Class    remote.Hash       `json:"class"`
}

type ExternalManifest struct {
	Tag     string         `json:"tag"`
	Class   remote.Hash    `json:"class"`
	Salt    remote.Hash    `json:"salt"`
	Address remote.Address `json:"address"`
}

// NewManifest renders the diff as the post-convergence world. Contract
// addresses not yet observed are derived the way the registry will derive
// them at registration; external addresses likewise via the deployment
// system contract. Output ordering is stable: selector order per kind,
// alphabetical for namespaces and external contracts.
func NewManifest(d *WorldDiff) Manifest {
	m := Manifest{
		Registry: RegistryManifest{
			Address: d.Registry.Address,
			Class:   d.Registry.Artifact.Class,
			Seed:    d.Registry.Seed,
		},
		Namespaces: make([]string, 0, len(d.Namespaces)),
	}

	for _, sel := range d.Selectors() {
		res := d.Resources[sel]
		switch res.Kind {
		case KindNamespace:
			m.Namespaces = append(m.Namespaces, res.Local.Name)
		case KindContract:
			cm := ContractManifest{
				Tag:      res.Tag(),
				Selector: sel,
				Class:    res.Local.Artifact.Class,
			}
			if res.Remote != nil && res.Remote.Address != 0 {
				cm.Address = res.Remote.Address
				cm.Initialized = res.Remote.Initialized
			} else {
				cm.Address = remote.DeriveAddress(
					d.Registry.Address, res.Local.Artifact.Class, remote.Hash(sel), nil)
			}
			m.Contracts = append(m.Contracts, cm)
		case KindLibrary:
			m.Libraries = append(m.Libraries, LibraryManifest{
				Tag:      res.Tag(),
				Selector: sel,
				Class:    res.Local.Artifact.Class,
				Version:  res.Local.Version,
			})
		case KindRecord:
			m.Records = append(m.Records, ResourceManifest{
				Tag:      res.Tag(),
				Selector: sel,
				Class:    res.Local.Artifact.Class,
			})
		case KindEvent:
			m.Events = append(m.Events, ResourceManifest{
				Tag:      res.Tag(),
				Selector: sel,
				Class:    res.Local.Artifact.Class,
			})
		}
	}
	sort.Strings(m.Namespaces)

	exts := make([]string, 0, len(d.External))
	for tag := range d.External {
		exts = append(exts, tag)
	}
	sort.Strings(exts)
	for _, tag := range exts {
		ext := d.External[tag]
		m.External = append(m.External, ExternalManifest{
			Tag:     ext.Tag,
			Class:   ext.Class,
			Salt:    ext.Salt,
			Address: remote.DeriveAddress(registry.DeployerAddress, ext.Class, ext.Salt, ext.Ctor),
		})
	}
	return m
}
