package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/pelletier/go-toml/v2"

	"github.com/chainforge/regmig"
	"github.com/chainforge/regmig/devnode"
	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/journal"
	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// consoleSigner is the address the console signs under on the dev node.
const consoleSigner remote.Address = 0xc0

var (
	ErrNoTarget   = errors.New("no target: run dev first")
	ErrNoManifest = errors.New("no manifest yet: run bootstrap or apply first")
	ErrNoDiff     = errors.New("no applied diff yet: run bootstrap or apply first")
)

func (repl *REPL) CommandHelp() {
	fmt.Print(`profile <world.toml>    load a migration profile
dev [accounts]          start the in-process dev node (default 3 prefunded)
bootstrap <bundle.toml> first-deploy a declared world bundle
plan <diff.json>        show what applying a diff would do
apply <diff.json>       converge the target to a diff
upload [dir]            upload changed metadata, write blobs under dir
manifest                print the manifest of the last run
journal [n]             list recorded runs, newest first
watch                   drain committed ops from the dev node
exit | quit             leave
`)
}

var HelpProfile = errors.New("profile <world.toml>")

func (repl *REPL) CommandProfile(arg string) (err error) {
	if arg == "" {
		return HelpProfile
	}
	p, err := regmig.LoadProfile(arg)
	if err != nil {
		return
	}
	repl.profile = p
	fmt.Printf("profile loaded: world %q, seed %s\n", p.World.Name, p.Seed())
	return
}

var HelpDev = errors.New("dev [prefunded-accounts]")

func (repl *REPL) CommandDev(arg string) (err error) {
	prefunded := 3
	if arg != "" {
		if _, err = fmt.Sscanf(arg, "%d", &prefunded); err != nil {
			return HelpDev
		}
	}
	repl.node = devnode.New(repl.log, devnode.Options{Prefunded: prefunded})
	repl.session = repl.node.Connect(consoleSigner)
	if repl.hose != nil {
		_ = repl.hose.Close()
	}
	repl.hose = repl.node.AddHose("console")
	fmt.Printf("dev node up: %d prefunded accounts, signing as %s\n",
		prefunded, repl.session.Address())
	return nil
}

var HelpBootstrap = errors.New("bootstrap <bundle.toml>")

func (repl *REPL) CommandBootstrap(arg string) error {
	if arg == "" {
		return HelpBootstrap
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return err
	}
	var b diff.Bundle
	if err := toml.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("bundle parse failed (%s): %w", arg, err)
	}
	d, err := diff.FromBundle(&b)
	if err != nil {
		return err
	}
	return repl.run(d)
}

var HelpPlan = errors.New("plan <diff.json>")

func (repl *REPL) CommandPlan(arg string) error {
	if arg == "" {
		return HelpPlan
	}
	d, err := readDiff(arg)
	if err != nil {
		return err
	}

	created, updated := 0, 0
	inits := 0
	for _, sel := range d.Selectors() {
		res := d.Resources[sel]
		switch res.Status {
		case diff.Created:
			created++
		case diff.Updated:
			updated++
		}
		if res.Kind == diff.KindContract && (res.Status == diff.Created || !res.Initialized()) {
			inits++
		}
	}
	grants := 0
	for _, sel := range d.Selectors() {
		grants += len(d.WritersOf(sel).OnlyLocal())
		grants += len(d.OwnersOf(sel).OnlyLocal())
	}
	external := 0
	for _, ext := range d.External {
		if ext.Status == diff.Created {
			external++
		}
	}

	fmt.Printf("registry: %s at %s\n", d.Registry.Status, d.Registry.Address)
	fmt.Printf("resources: %d to create, %d to upgrade, %d synced\n",
		created, updated, len(d.Resources)-created-updated)
	fmt.Printf("permissions: %d grants pending\n", grants)
	fmt.Printf("inits: %d contracts pending\n", inits)
	fmt.Printf("external: %d contracts to deploy\n", external)
	return nil
}

var HelpApply = errors.New("apply <diff.json>")

func (repl *REPL) CommandApply(arg string) error {
	if arg == "" {
		return HelpApply
	}
	d, err := readDiff(arg)
	if err != nil {
		return err
	}
	return repl.run(d)
}

// run converges the current target to the diff and records the attempt in
// the journal, failed runs included.
func (repl *REPL) run(d *diff.WorldDiff) error {
	if repl.session == nil {
		return ErrNoTarget
	}
	m := regmig.NewMigration(d, repl.session, regmig.Options{
		Profile: repl.profile,
		Logger:  repl.log,
	})
	res, err := m.Migrate(context.Background())

	entry := journal.Run{}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.HasChanges = res.HasChanges
		if blob, jerr := json.Marshal(res.Manifest); jerr == nil {
			entry.Manifest = blob
		}
	}
	if _, jerr := repl.jr.Record(entry); jerr != nil {
		repl.log.Warn("journal record failed", "error", jerr)
	}
	if err != nil {
		return err
	}

	repl.lastDiff = d
	repl.manifest = &res.Manifest
	if res.HasChanges {
		fmt.Printf("migration applied: %d contracts, %d libraries, %d records, %d events, %d external\n",
			len(res.Manifest.Contracts), len(res.Manifest.Libraries),
			len(res.Manifest.Records), len(res.Manifest.Events), len(res.Manifest.External))
	} else {
		fmt.Println("nothing to migrate")
	}
	return nil
}

var HelpUpload = errors.New("upload [dir]")

func (repl *REPL) CommandUpload(arg string) error {
	if repl.session == nil {
		return ErrNoTarget
	}
	if repl.lastDiff == nil {
		return ErrNoDiff
	}
	dir := arg
	if dir == "" {
		dir = ".regmig_metadata"
	}
	m := regmig.NewMigration(repl.lastDiff, repl.session, regmig.Options{
		Profile: repl.profile,
		Logger:  repl.log,
	})
	n, err := m.UploadMetadata(context.Background(), dirUploader{dir: dir})
	if err != nil {
		return err
	}
	fmt.Printf("%d metadata blobs uploaded under %s\n", n, dir)
	return nil
}

func (repl *REPL) CommandManifest(arg string) error {
	if repl.manifest == nil {
		return ErrNoManifest
	}
	return repl.manifest.WriteJSON(os.Stdout)
}

func (repl *REPL) CommandJournal(arg string) error {
	limit := 10
	if arg != "" {
		if _, err := fmt.Sscanf(arg, "%d", &limit); err != nil {
			return errors.New("journal [n]")
		}
	}
	runs, err := repl.jr.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("journal is empty")
		return nil
	}
	for _, run := range runs {
		status := "converged"
		switch {
		case run.Error != "":
			status = "failed: " + run.Error
		case !run.HasChanges:
			status = "no changes"
		}
		fmt.Printf("%s  %s  %s\n", run.Time.Format(time.RFC3339), run.ID, status)
	}
	return nil
}

var ErrNoDevNode = errors.New("watch needs the dev node: run dev first")

func (repl *REPL) CommandWatch(arg string) error {
	if repl.hose == nil {
		return ErrNoDevNode
	}
	total := 0
	for {
		recs, err := repl.hose.Feed()
		if err != nil {
			if errors.Is(err, toyqueue.ErrWouldBlock) {
				break
			}
			return err
		}
		for _, rec := range recs {
			op, err := devnode.ParseOp(rec)
			if err != nil {
				return err
			}
			fmt.Printf("block %-6d %s  %s\n", op.Block, op.From, opLine(op))
			total++
		}
	}
	fmt.Printf("%d ops\n", total)
	return nil
}

// opLine names the op for display, decoding the tag when the payload
// carries one.
func opLine(op devnode.Op) string {
	switch op.Method {
	case registry.MethodRegisterNamespace:
		if name, err := registry.ParseRegisterNamespace(op.Data); err == nil {
			return fmt.Sprintf("%s %s", op.Method, name)
		}
	case registry.MethodRegisterContract, registry.MethodRegisterRecord, registry.MethodRegisterEvent:
		if _, ns, name, _, err := registry.ParseRegister(op.Data); err == nil {
			return fmt.Sprintf("%s %s", op.Method, registry.Tag(ns, name))
		}
	case registry.MethodRegisterLibrary:
		if _, ns, name, version, _, err := registry.ParseRegisterLibrary(op.Data); err == nil {
			return fmt.Sprintf("%s %s v%s", op.Method, registry.Tag(ns, name), version)
		}
	case registry.MethodGrantWriter, registry.MethodGrantOwner:
		if target, grantee, err := registry.ParseGrant(op.Data); err == nil {
			return fmt.Sprintf("%s %s -> %s", op.Method, grantee, target)
		}
	}
	return op.Method
}

func readDiff(path string) (*diff.WorldDiff, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return diff.ReadJSON(f)
}

// dirUploader drops metadata blobs into a directory, one file per content
// hash, and answers with file:// URIs. It stands in for a pinning service.
type dirUploader struct {
	dir string
}

func (u dirUploader) Upload(ctx context.Context, blob []byte) (string, error) {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(u.dir, fmt.Sprintf("%016x.json", xxhash.Sum64(blob)))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
