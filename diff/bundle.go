package diff

import (
	"fmt"
	"sort"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// Bundle is a plain local declaration of a world, with no remote
// observation: the input of a first deploy. The migration CLI decodes one
// from TOML; FromBundle turns it into an all-Created WorldDiff.
type Bundle struct {
	Registry   BundleRegistry   `toml:"registry" json:"registry"`
	Namespaces []string         `toml:"namespaces" json:"namespaces"`
	Contracts  []BundleResource `toml:"contracts" json:"contracts,omitempty"`
	Libraries  []BundleResource `toml:"libraries" json:"libraries,omitempty"`
	Records    []BundleResource `toml:"records" json:"records,omitempty"`
	Events     []BundleResource `toml:"events" json:"events,omitempty"`
	External   []BundleExternal `toml:"external_contracts" json:"external_contracts,omitempty"`
}

type BundleRegistry struct {
	Name string `toml:"name" json:"name"`
	Seed string `toml:"seed" json:"seed"`
	Body string `toml:"body" json:"body"`
}

// BundleResource declares one namespaced resource. Body stands in for the
// compiled artifact and is content-hashed as-is. Writers and Owners list
// grantee address literals.
type BundleResource struct {
	Namespace string   `toml:"namespace" json:"namespace"`
	Name      string   `toml:"name" json:"name"`
	Version   string   `toml:"version" json:"version,omitempty"`
	Body      string   `toml:"body" json:"body"`
	Writers   []string `toml:"writers" json:"writers,omitempty"`
	Owners    []string `toml:"owners" json:"owners,omitempty"`
}

type BundleExternal struct {
	Tag  string `toml:"tag" json:"tag"`
	Body string `toml:"body" json:"body"`
	Salt string `toml:"salt" json:"salt"`
	Ctor string `toml:"ctor" json:"ctor,omitempty"`
}

// FromBundle builds the WorldDiff of a first deploy: registry NotDeployed,
// every declared resource Created, permissions all local-only. The result
// passes Validate or an error explains which declaration is broken.
func FromBundle(b *Bundle) (*WorldDiff, error) {
	regArt := remote.NewArtifact([]byte(b.Registry.Body))
	seed, err := remote.ParseHash(b.Registry.Seed)
	if err != nil {
		return nil, fmt.Errorf("diff: registry seed: %w", err)
	}
	regAddr := remote.DeriveAddress(registry.DeployerAddress, regArt.Class, seed,
		registry.ConstructorData(regArt.Class))
	d := &WorldDiff{
		Registry: RegistryInfo{
			Status:   RegistryNotDeployed,
			Address:  regAddr,
			Artifact: regArt,
			Seed:     seed,
		},
		Resources:       make(map[registry.Selector]Resource),
		Writers:         make(map[registry.Selector]Permissions),
		Owners:          make(map[registry.Selector]Permissions),
		External:        make(map[string]ExternalContract),
		ExternalClasses: make(map[remote.Hash]ExternalClass),
	}

	for _, ns := range b.Namespaces {
		if err := registry.ValidateName(ns); err != nil {
			return nil, err
		}
		res := Resource{
			Kind:   KindNamespace,
			Status: Created,
			Local:  Local{Name: ns},
		}
		if err := d.add(res); err != nil {
			return nil, err
		}
		d.Namespaces = append(d.Namespaces, res.Selector())
	}
	sortSelectors(d.Namespaces)

	kinds := []struct {
		kind  Kind
		decls []BundleResource
	}{
		{KindContract, b.Contracts},
		{KindLibrary, b.Libraries},
		{KindRecord, b.Records},
		{KindEvent, b.Events},
	}
	for _, k := range kinds {
		for _, decl := range k.decls {
			res, err := declToResource(k.kind, decl)
			if err != nil {
				return nil, err
			}
			if err := d.add(res); err != nil {
				return nil, err
			}
			sel := res.Selector()
			if d.Writers[sel], err = grantees(decl.Writers); err != nil {
				return nil, fmt.Errorf("diff: %s writers: %w", res.Tag(), err)
			}
			if d.Owners[sel], err = grantees(decl.Owners); err != nil {
				return nil, fmt.Errorf("diff: %s owners: %w", res.Tag(), err)
			}
		}
	}

	for _, ext := range b.External {
		art := remote.NewArtifact([]byte(ext.Body))
		salt, err := remote.ParseHash(ext.Salt)
		if err != nil {
			return nil, fmt.Errorf("diff: external %s salt: %w", ext.Tag, err)
		}
		var ctor []byte
		if ext.Ctor != "" {
			ctor = []byte(ext.Ctor)
		}
		if _, dup := d.External[ext.Tag]; dup {
			return nil, fmt.Errorf("%w: duplicate external contract %q", ErrInvalid, ext.Tag)
		}
		d.External[ext.Tag] = ExternalContract{
			Tag:    ext.Tag,
			Status: Created,
			Class:  art.Class,
			Salt:   salt,
			Ctor:   ctor,
		}
		d.ExternalClasses[art.Code] = ExternalClass{
			Label:    ext.Tag,
			Status:   Created,
			Artifact: art,
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *WorldDiff) add(res Resource) error {
	sel := res.Selector()
	if prev, dup := d.Resources[sel]; dup {
		return fmt.Errorf("%w: %s collides with %s", ErrInvalid, res.Tag(), prev.Tag())
	}
	d.Resources[sel] = res
	return nil
}

func declToResource(kind Kind, decl BundleResource) (Resource, error) {
	if err := registry.ValidateName(decl.Namespace); err != nil {
		return Resource{}, err
	}
	if err := registry.ValidateName(decl.Name); err != nil {
		return Resource{}, err
	}
	if kind == KindLibrary && decl.Version == "" {
		return Resource{}, fmt.Errorf("%w: library %s-%s misses a version",
			ErrInvalid, decl.Namespace, decl.Name)
	}
	return Resource{
		Kind:   kind,
		Status: Created,
		Local: Local{
			Namespace: decl.Namespace,
			Name:      decl.Name,
			Version:   decl.Version,
			Artifact:  remote.NewArtifact([]byte(decl.Body)),
		},
	}, nil
}

func grantees(addrs []string) (Permissions, error) {
	var p Permissions
	for _, a := range addrs {
		addr, err := remote.ParseAddress(a)
		if err != nil {
			return Permissions{}, err
		}
		p.Local = append(p.Local, Grantee{Address: addr})
	}
	return p, nil
}

func sortSelectors(sels []registry.Selector) {
	sort.Slice(sels, func(i, j int) bool { return sels[i] < sels[j] })
}
