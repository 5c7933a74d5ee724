package devnode

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// Resource kinds as the node stores them.
const (
	KindContract = "contract"
	KindLibrary  = "library"
	KindRecord   = "record"
	KindEvent    = "event"
)

var (
	ErrUnknownMethod      = errors.New("unknown method")
	ErrNotARegistry       = errors.New("target contract is not a registry")
	ErrClassNotPublished  = errors.New("class not published")
	ErrAlreadyDeployed    = errors.New("address already deployed")
	ErrNamespaceExists    = errors.New("namespace already registered")
	ErrNoNamespace        = errors.New("namespace not registered")
	ErrResourceExists     = errors.New("resource already registered")
	ErrUnknownResource    = errors.New("unknown resource")
	ErrKindMismatch       = errors.New("resource kind mismatch")
	ErrAlreadyInitialized = errors.New("contract already initialized")
)

// ledger is the whole chain state. Atomic transactions stage a clone and
// swap it in on success; per-call transactions mutate in place, with every
// apply validating fully before touching anything.
type ledger struct {
	published map[remote.Hash]remote.Artifact // by code hash
	classes   map[remote.Hash]remote.Hash     // class -> code
	contracts map[remote.Address]*contract
	worlds    map[remote.Address]*world
}

type contract struct {
	class remote.Hash
}

func newLedger() *ledger {
	st := &ledger{
		published: make(map[remote.Hash]remote.Artifact),
		classes:   make(map[remote.Hash]remote.Hash),
		contracts: make(map[remote.Address]*contract),
		worlds:    make(map[remote.Address]*world),
	}
	// The deterministic deployment system contract is part of the genesis
	// state on every target.
	st.contracts[registry.DeployerAddress] = &contract{}
	return st
}

func (st *ledger) clone() *ledger {
	next := &ledger{
		published: make(map[remote.Hash]remote.Artifact, len(st.published)),
		classes:   make(map[remote.Hash]remote.Hash, len(st.classes)),
		contracts: make(map[remote.Address]*contract, len(st.contracts)),
		worlds:    make(map[remote.Address]*world, len(st.worlds)),
	}
	for code, art := range st.published {
		next.published[code] = art
	}
	for class, code := range st.classes {
		next.classes[class] = code
	}
	for addr, c := range st.contracts {
		cc := *c
		next.contracts[addr] = &cc
	}
	for addr, w := range st.worlds {
		next.worlds[addr] = w.clone()
	}
	return next
}

func (st *ledger) apply(call remote.Call) error {
	if call.To == registry.DeployerAddress {
		return st.applyDeploy(call)
	}
	if _, live := st.contracts[call.To]; !live {
		return fmt.Errorf("%s: %w", call.To, remote.ErrNotDeployed)
	}
	w := st.worlds[call.To]
	if w == nil {
		return fmt.Errorf("%s: %w", call.To, ErrNotARegistry)
	}
	return w.apply(st, call)
}

func (st *ledger) applyDeploy(call remote.Call) error {
	if call.Method != registry.MethodDeploy {
		return fmt.Errorf("%q: %w", call.Method, ErrUnknownMethod)
	}
	class, salt, ctor, _, err := registry.ParseDeploy(call.Data)
	if err != nil {
		return err
	}
	if _, ok := st.classes[class]; !ok {
		return fmt.Errorf("class %s: %w", class, ErrClassNotPublished)
	}
	addr := remote.DeriveAddress(registry.DeployerAddress, class, salt, ctor)
	if _, dup := st.contracts[addr]; dup {
		return fmt.Errorf("%s: %w", addr, ErrAlreadyDeployed)
	}
	st.contracts[addr] = &contract{class: class}
	// A constructor naming the deployed class itself marks a registry
	// instance; any other constructor deploys an opaque contract.
	if regClass, err := registry.ParseUpgradeRegistry(ctor); err == nil && regClass == class {
		st.worlds[addr] = newWorld(addr, class)
	}
	return nil
}

// world is one deployed registry instance.
type world struct {
	addr       remote.Address
	class      remote.Hash
	namespaces map[string]bool
	resources  map[registry.Selector]*resource
	writers    map[registry.Selector]map[remote.Address]bool
	owners     map[registry.Selector]map[remote.Address]bool
	metadata   map[registry.Selector]Metadata
}

type resource struct {
	kind      string
	namespace string
	name      string
	version   string
	class     remote.Hash
	address   remote.Address
	inited    bool
	initArgs  []byte
}

// Metadata is one metadata pointer set on a selector.
type Metadata struct {
	URI  string
	Hash remote.Hash
}

func newWorld(addr remote.Address, class remote.Hash) *world {
	return &world{
		addr:       addr,
		class:      class,
		namespaces: make(map[string]bool),
		resources:  make(map[registry.Selector]*resource),
		writers:    make(map[registry.Selector]map[remote.Address]bool),
		owners:     make(map[registry.Selector]map[remote.Address]bool),
		metadata:   make(map[registry.Selector]Metadata),
	}
}

func (w *world) clone() *world {
	next := newWorld(w.addr, w.class)
	for name := range w.namespaces {
		next.namespaces[name] = true
	}
	for sel, res := range w.resources {
		rr := *res
		next.resources[sel] = &rr
	}
	for sel, set := range w.writers {
		next.writers[sel] = cloneGrants(set)
	}
	for sel, set := range w.owners {
		next.owners[sel] = cloneGrants(set)
	}
	for sel, meta := range w.metadata {
		next.metadata[sel] = meta
	}
	return next
}

func cloneGrants(set map[remote.Address]bool) map[remote.Address]bool {
	next := make(map[remote.Address]bool, len(set))
	for addr := range set {
		next[addr] = true
	}
	return next
}

func (w *world) apply(st *ledger, call remote.Call) error {
	switch call.Method {

	case registry.MethodRegisterNamespace:
		name, err := registry.ParseRegisterNamespace(call.Data)
		if err != nil {
			return err
		}
		if err := registry.ValidateName(name); err != nil {
			return err
		}
		if w.namespaces[name] {
			return fmt.Errorf("%q: %w", name, ErrNamespaceExists)
		}
		w.namespaces[name] = true
		return nil

	case registry.MethodRegisterContract:
		sel, ns, name, class, err := registry.ParseRegister(call.Data)
		if err != nil {
			return err
		}
		addr := remote.DeriveAddress(w.addr, class, remote.Hash(sel), nil)
		if _, dup := st.contracts[addr]; dup {
			return fmt.Errorf("%s: %w", addr, ErrAlreadyDeployed)
		}
		res, err := w.admit(st, sel, ns, name, class)
		if err != nil {
			return err
		}
		res.kind = KindContract
		res.address = addr
		st.contracts[addr] = &contract{class: class}
		return nil

	case registry.MethodRegisterRecord:
		return w.registerPlain(st, KindRecord, call.Data)

	case registry.MethodRegisterEvent:
		return w.registerPlain(st, KindEvent, call.Data)

	case registry.MethodRegisterLibrary:
		sel, ns, name, version, class, err := registry.ParseRegisterLibrary(call.Data)
		if err != nil {
			return err
		}
		res, err := w.admit(st, sel, ns, name, class)
		if err != nil {
			return err
		}
		res.kind = KindLibrary
		res.version = version
		return nil

	case registry.MethodUpgradeContract:
		return w.upgradeKind(st, KindContract, call.Data)

	case registry.MethodUpgradeRecord:
		return w.upgradeKind(st, KindRecord, call.Data)

	case registry.MethodUpgradeEvent:
		return w.upgradeKind(st, KindEvent, call.Data)

	case registry.MethodGrantWriter:
		return w.grant(w.writers, call.Data)

	case registry.MethodGrantOwner:
		return w.grant(w.owners, call.Data)

	case registry.MethodInitContract:
		sel, args, err := registry.ParseInitContract(call.Data)
		if err != nil {
			return err
		}
		res, ok := w.resources[sel]
		if !ok {
			return fmt.Errorf("%s: %w", sel, ErrUnknownResource)
		}
		if res.kind != KindContract {
			return fmt.Errorf("%s is a %s: %w", sel, res.kind, ErrKindMismatch)
		}
		if res.inited {
			return fmt.Errorf("%s: %w", sel, ErrAlreadyInitialized)
		}
		res.inited = true
		res.initArgs = args
		return nil

	case registry.MethodUpgradeRegistry:
		class, err := registry.ParseUpgradeRegistry(call.Data)
		if err != nil {
			return err
		}
		if _, ok := st.classes[class]; !ok {
			return fmt.Errorf("class %s: %w", class, ErrClassNotPublished)
		}
		w.class = class
		st.contracts[w.addr].class = class
		return nil

	case registry.MethodSetMetadata:
		sel, uri, hash, err := registry.ParseSetMetadata(call.Data)
		if err != nil {
			return err
		}
		if !w.knowsSelector(sel) {
			return fmt.Errorf("%s: %w", sel, ErrUnknownResource)
		}
		w.metadata[sel] = Metadata{URI: uri, Hash: hash}
		return nil
	}

	return fmt.Errorf("%q: %w", call.Method, ErrUnknownMethod)
}

// admit runs the validation shared by every registration kind and stores
// the bare resource; the caller fills in kind specifics.
func (w *world) admit(st *ledger, sel registry.Selector, ns, name string, class remote.Hash) (*resource, error) {
	if !w.namespaces[ns] {
		return nil, fmt.Errorf("%q: %w", ns, ErrNoNamespace)
	}
	if _, dup := w.resources[sel]; dup {
		return nil, fmt.Errorf("%s: %w", sel, ErrResourceExists)
	}
	if _, ok := st.classes[class]; !ok {
		return nil, fmt.Errorf("class %s: %w", class, ErrClassNotPublished)
	}
	res := &resource{namespace: ns, name: name, class: class}
	w.resources[sel] = res
	return res, nil
}

func (w *world) registerPlain(st *ledger, kind string, data []byte) error {
	sel, ns, name, class, err := registry.ParseRegister(data)
	if err != nil {
		return err
	}
	res, err := w.admit(st, sel, ns, name, class)
	if err != nil {
		return err
	}
	res.kind = kind
	return nil
}

func (w *world) upgradeKind(st *ledger, kind string, data []byte) error {
	sel, _, class, err := registry.ParseUpgrade(data)
	if err != nil {
		return err
	}
	res, ok := w.resources[sel]
	if !ok {
		return fmt.Errorf("%s: %w", sel, ErrUnknownResource)
	}
	if res.kind != kind {
		return fmt.Errorf("%s is a %s, not a %s: %w", sel, res.kind, kind, ErrKindMismatch)
	}
	if _, ok := st.classes[class]; !ok {
		return fmt.Errorf("class %s: %w", class, ErrClassNotPublished)
	}
	res.class = class
	if kind == KindContract {
		st.contracts[res.address].class = class
	}
	return nil
}

func (w *world) grant(sets map[registry.Selector]map[remote.Address]bool, data []byte) error {
	target, grantee, err := registry.ParseGrant(data)
	if err != nil {
		return err
	}
	if !w.knowsSelector(target) {
		return fmt.Errorf("%s: %w", target, ErrUnknownResource)
	}
	set := sets[target]
	if set == nil {
		set = make(map[remote.Address]bool)
		sets[target] = set
	}
	// Granting twice is a no-op, mirroring an idempotent registry.
	set[grantee] = true
	return nil
}

// knowsSelector accepts the registry itself, any registered resource and
// any registered namespace as a grant or metadata target.
func (w *world) knowsSelector(sel registry.Selector) bool {
	if sel == registry.RegistrySelector {
		return true
	}
	if _, ok := w.resources[sel]; ok {
		return true
	}
	for name := range w.namespaces {
		if registry.NamespaceSelector(name) == sel {
			return true
		}
	}
	return false
}

// WorldView is a read-only copy of one registry instance's state, for
// assertions and console display.
type WorldView struct {
	Address    remote.Address
	Class      remote.Hash
	Namespaces []string
	Resources  map[registry.Selector]ResourceView
	Writers    map[registry.Selector][]remote.Address
	Owners     map[registry.Selector][]remote.Address
	Metadata   map[registry.Selector]Metadata
}

// ResourceView is one registered resource as the node sees it.
type ResourceView struct {
	Kind        string
	Namespace   string
	Name        string
	Version     string
	Class       remote.Hash
	Address     remote.Address
	Initialized bool
	InitArgs    []byte
}

// World snapshots a registry instance. The second return is false when no
// registry lives at the address.
func (n *Node) World(addr remote.Address) (WorldView, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	w := n.st.worlds[addr]
	if w == nil {
		return WorldView{}, false
	}
	view := WorldView{
		Address:   w.addr,
		Class:     w.class,
		Resources: make(map[registry.Selector]ResourceView, len(w.resources)),
		Writers:   make(map[registry.Selector][]remote.Address, len(w.writers)),
		Owners:    make(map[registry.Selector][]remote.Address, len(w.owners)),
		Metadata:  make(map[registry.Selector]Metadata, len(w.metadata)),
	}
	for name := range w.namespaces {
		view.Namespaces = append(view.Namespaces, name)
	}
	sort.Strings(view.Namespaces)
	for sel, res := range w.resources {
		view.Resources[sel] = ResourceView{
			Kind:        res.kind,
			Namespace:   res.namespace,
			Name:        res.name,
			Version:     res.version,
			Class:       res.class,
			Address:     res.address,
			Initialized: res.inited,
			InitArgs:    res.initArgs,
		}
	}
	for sel, set := range w.writers {
		view.Writers[sel] = grantList(set)
	}
	for sel, set := range w.owners {
		view.Owners[sel] = grantList(set)
	}
	for sel, meta := range w.metadata {
		view.Metadata[sel] = meta
	}
	return view, true
}

func grantList(set map[remote.Address]bool) []remote.Address {
	list := make([]remote.Address, 0, len(set))
	for addr := range set {
		list = append(list, addr)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
