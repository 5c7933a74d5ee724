package regmig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// Profile is the declarative configuration of one target environment:
// what to leave alone, how to initialize, how hard to parallelize.
type Profile struct {
	World     WorldConfig             `toml:"world"`
	Migration MigrationConfig         `toml:"migration"`
	InitArgs  map[string][]string     `toml:"init_call_args"`
	Metadata  map[string]ResourceMeta `toml:"metadata"`
}

// WorldConfig names the deployment and salts the registry address. The
// descriptive fields feed the metadata upload path only.
type WorldConfig struct {
	Name        string `toml:"name"`
	Seed        string `toml:"seed"`
	Description string `toml:"description"`
	IconURI     string `toml:"icon_uri"`
	Website     string `toml:"website"`
}

type MigrationConfig struct {
	// SkipContracts lists resource tags excluded from every step.
	SkipContracts []string `toml:"skip_contracts"`
	// OrderInits forces init calls of the listed tags to run last, in
	// list order.
	OrderInits []string `toml:"order_inits"`
	// DisableBatch switches from one atomic batch per step to one
	// transaction per call.
	DisableBatch bool `toml:"disable_batch"`
	// Publishers are identity references used to shard artifact
	// publication. Empty means primary identity only, or the target's
	// prefunded identities when it offers them.
	Publishers []string `toml:"publishers"`
	// Guest runs leave the root registry untouched.
	Guest bool `toml:"guest"`
}

// ResourceMeta is the uploadable description of one resource, keyed by tag
// in the profile.
type ResourceMeta struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	IconURI     string `toml:"icon_uri"`
}

// LoadProfile reads, defaults and validates a TOML profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile load failed (%s): %w", path, err)
	}
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile parse failed (%s): %w", path, err)
	}
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) SetDefaults() {
	if p.World.Name == "" {
		p.World.Name = "world"
	}
	if p.World.Seed == "" {
		p.World.Seed = "0x0"
	}
	if p.InitArgs == nil {
		p.InitArgs = make(map[string][]string)
	}
}

func (p *Profile) Validate() error {
	if err := registry.ValidateName(p.World.Name); err != nil {
		return fmt.Errorf("profile world name: %w", err)
	}
	if _, err := remote.ParseHash(p.World.Seed); err != nil {
		return fmt.Errorf("profile world seed: %w", err)
	}
	for _, tag := range p.Migration.OrderInits {
		if _, _, err := registry.SplitTag(tag); err != nil {
			return fmt.Errorf("profile order_inits: %w", err)
		}
	}
	for tag := range p.InitArgs {
		if _, _, err := registry.SplitTag(tag); err != nil {
			return fmt.Errorf("profile init_call_args: %w", err)
		}
	}
	return nil
}

// Seed returns the parsed registry deployment salt. Validate has already
// vetted the literal.
func (p *Profile) Seed() remote.Hash {
	h, _ := remote.ParseHash(p.World.Seed)
	return h
}

// IsSkipped reports whether a resource tag is excluded from migration.
func (p *Profile) IsSkipped(tag string) bool {
	for _, t := range p.Migration.SkipContracts {
		if t == tag {
			return true
		}
	}
	return false
}
