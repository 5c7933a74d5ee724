// Package registry holds the call bindings of the on-ledger resource
// registry: tag and selector derivation, and the construction and parsing of
// the TLV payloads its mutating entrypoints accept. The bindings build
// remote.Call values; executing them is the caller's business.
package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/chainforge/regmig/remote"
)

// Registry entrypoints. Method strings travel with each call; the payload
// format per method is fixed below.
const (
	MethodRegisterNamespace = "register_namespace"
	MethodRegisterContract  = "register_contract"
	MethodUpgradeContract   = "upgrade_contract"
	MethodRegisterLibrary   = "register_library"
	MethodRegisterRecord    = "register_record"
	MethodUpgradeRecord     = "upgrade_record"
	MethodRegisterEvent     = "register_event"
	MethodUpgradeEvent      = "upgrade_event"
	MethodGrantWriter       = "grant_writer"
	MethodGrantOwner        = "grant_owner"
	MethodInitContract      = "init_contract"
	MethodUpgradeRegistry   = "upgrade_registry"
	MethodSetMetadata       = "set_metadata"

	// MethodDeploy is the entrypoint of the deterministic deployment
	// system contract, not of the registry.
	MethodDeploy = "deploy"
)

// DeployerAddress is the reserved address of the deterministic deployment
// system contract present on every target.
const DeployerAddress remote.Address = 0xdc

// Payload record literals. One letter each, toytlv framing.
//
//	S selector   H class hash   N namespace   M name    V version
//	G grantee    A call args    Uptr URI      T salt    C constructor
//	X extra
const (
	litSelector byte = 'S'
	litClass    byte = 'H'
	litNS       byte = 'N'
	litName     byte = 'M'
	litVersion  byte = 'V'
	litGrantee  byte = 'G'
	litArgs     byte = 'A'
	litURI      byte = 'U'
	litSalt     byte = 'T'
	litCtor     byte = 'C'
	litExtra    byte = 'X'
)

// Registry builds calls against one deployed registry instance.
type Registry struct {
	Addr remote.Address
}

func New(addr remote.Address) Registry { return Registry{Addr: addr} }

func u64be(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (r Registry) call(method, tag string, body ...[]byte) remote.Call {
	return remote.Call{
		To:     r.Addr,
		Method: method,
		Data:   toytlv.Concat(body...),
		Tag:    tag,
	}
}

func (r Registry) RegisterNamespaceCall(name string) remote.Call {
	return r.call(MethodRegisterNamespace, name,
		toytlv.Record(litName, []byte(name)),
	)
}

func (r Registry) RegisterContractCall(tag string, sel Selector, ns, name string, class remote.Hash) remote.Call {
	return r.call(MethodRegisterContract, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litNS, []byte(ns)),
		toytlv.Record(litName, []byte(name)),
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) UpgradeContractCall(tag string, sel Selector, ns string, class remote.Hash) remote.Call {
	return r.upgrade(MethodUpgradeContract, tag, sel, ns, class)
}

func (r Registry) RegisterLibraryCall(tag string, sel Selector, ns, name, version string, class remote.Hash) remote.Call {
	return r.call(MethodRegisterLibrary, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litNS, []byte(ns)),
		toytlv.Record(litName, []byte(name)),
		toytlv.Record(litVersion, []byte(version)),
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) RegisterRecordCall(tag string, sel Selector, ns, name string, class remote.Hash) remote.Call {
	return r.call(MethodRegisterRecord, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litNS, []byte(ns)),
		toytlv.Record(litName, []byte(name)),
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) UpgradeRecordCall(tag string, sel Selector, ns string, class remote.Hash) remote.Call {
	return r.upgrade(MethodUpgradeRecord, tag, sel, ns, class)
}

func (r Registry) RegisterEventCall(tag string, sel Selector, ns, name string, class remote.Hash) remote.Call {
	return r.call(MethodRegisterEvent, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litNS, []byte(ns)),
		toytlv.Record(litName, []byte(name)),
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) UpgradeEventCall(tag string, sel Selector, ns string, class remote.Hash) remote.Call {
	return r.upgrade(MethodUpgradeEvent, tag, sel, ns, class)
}

func (r Registry) upgrade(method, tag string, sel Selector, ns string, class remote.Hash) remote.Call {
	return r.call(method, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litNS, []byte(ns)),
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) GrantWriterCall(tag string, target Selector, grantee remote.Address) remote.Call {
	return r.grant(MethodGrantWriter, tag, target, grantee)
}

func (r Registry) GrantOwnerCall(tag string, target Selector, grantee remote.Address) remote.Call {
	return r.grant(MethodGrantOwner, tag, target, grantee)
}

func (r Registry) grant(method, tag string, target Selector, grantee remote.Address) remote.Call {
	return r.call(method, tag,
		toytlv.Record(litSelector, u64be(uint64(target))),
		toytlv.Record(litGrantee, u64be(uint64(grantee))),
	)
}

// InitContractCall wraps already-decoded calldata. Args are concatenated
// into one opaque blob; the callee interprets them.
func (r Registry) InitContractCall(tag string, sel Selector, args [][]byte) remote.Call {
	return r.call(MethodInitContract, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litArgs, toytlv.Concat(args...)),
	)
}

func (r Registry) UpgradeRegistryCall(class remote.Hash) remote.Call {
	return r.call(MethodUpgradeRegistry, "registry",
		toytlv.Record(litClass, u64be(uint64(class))),
	)
}

func (r Registry) SetMetadataCall(tag string, sel Selector, uri string, hash remote.Hash) remote.Call {
	return r.call(MethodSetMetadata, tag,
		toytlv.Record(litSelector, u64be(uint64(sel))),
		toytlv.Record(litURI, []byte(uri)),
		toytlv.Record(litClass, u64be(uint64(hash))),
	)
}

// ConstructorData encodes the constructor payload of a registry
// deployment: the registry's own class reference.
func ConstructorData(class remote.Hash) []byte {
	return toytlv.Record(litClass, u64be(uint64(class)))
}

// DeployCall targets the deterministic deployment system contract directly.
func DeployCall(tag string, class, salt remote.Hash, ctor []byte, extra remote.Hash) remote.Call {
	return remote.Call{
		To:     DeployerAddress,
		Method: MethodDeploy,
		Tag:    tag,
		Data: toytlv.Concat(
			toytlv.Record(litClass, u64be(uint64(class))),
			toytlv.Record(litSalt, u64be(uint64(salt))),
			toytlv.Record(litCtor, ctor),
			toytlv.Record(litExtra, u64be(uint64(extra))),
		),
	}
}

// Payload parsing, used by the development node and by tests. Parsers are
// wary: malformed payloads return errors, never panic.

func takeU64(lit byte, data []byte) (uint64, []byte, error) {
	body, rest, err := toytlv.TakeWary(lit, data)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: record %c: %w", lit, err)
	}
	if len(body) != 8 {
		return 0, nil, fmt.Errorf("registry: record %c: want 8 bytes, got %d", lit, len(body))
	}
	return binary.BigEndian.Uint64(body), rest, nil
}

func takeString(lit byte, data []byte) (string, []byte, error) {
	body, rest, err := toytlv.TakeWary(lit, data)
	if err != nil {
		return "", nil, fmt.Errorf("registry: record %c: %w", lit, err)
	}
	return string(body), rest, nil
}

func takeBytes(lit byte, data []byte) ([]byte, []byte, error) {
	body, rest, err := toytlv.TakeWary(lit, data)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: record %c: %w", lit, err)
	}
	return body, rest, nil
}

func ParseRegisterNamespace(data []byte) (name string, err error) {
	name, _, err = takeString(litName, data)
	return
}

// ParseRegister decodes register_contract, register_record and
// register_event payloads, which share a shape.
func ParseRegister(data []byte) (sel Selector, ns, name string, class remote.Hash, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	ns, rest, err = takeString(litNS, rest)
	if err != nil {
		return
	}
	name, rest, err = takeString(litName, rest)
	if err != nil {
		return
	}
	c, _, err := takeU64(litClass, rest)
	return Selector(s), ns, name, remote.Hash(c), err
}

func ParseRegisterLibrary(data []byte) (sel Selector, ns, name, version string, class remote.Hash, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	ns, rest, err = takeString(litNS, rest)
	if err != nil {
		return
	}
	name, rest, err = takeString(litName, rest)
	if err != nil {
		return
	}
	version, rest, err = takeString(litVersion, rest)
	if err != nil {
		return
	}
	c, _, err := takeU64(litClass, rest)
	return Selector(s), ns, name, version, remote.Hash(c), err
}

func ParseUpgrade(data []byte) (sel Selector, ns string, class remote.Hash, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	ns, rest, err = takeString(litNS, rest)
	if err != nil {
		return
	}
	c, _, err := takeU64(litClass, rest)
	return Selector(s), ns, remote.Hash(c), err
}

func ParseGrant(data []byte) (target Selector, grantee remote.Address, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	g, _, err := takeU64(litGrantee, rest)
	return Selector(s), remote.Address(g), err
}

func ParseInitContract(data []byte) (sel Selector, args []byte, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	args, _, err = takeBytes(litArgs, rest)
	return Selector(s), args, err
}

func ParseUpgradeRegistry(data []byte) (class remote.Hash, err error) {
	c, _, err := takeU64(litClass, data)
	return remote.Hash(c), err
}

func ParseSetMetadata(data []byte) (sel Selector, uri string, hash remote.Hash, err error) {
	s, rest, err := takeU64(litSelector, data)
	if err != nil {
		return
	}
	uri, rest, err = takeString(litURI, rest)
	if err != nil {
		return
	}
	h, _, err := takeU64(litClass, rest)
	return Selector(s), uri, remote.Hash(h), err
}

func ParseDeploy(data []byte) (class, salt remote.Hash, ctor []byte, extra remote.Hash, err error) {
	c, rest, err := takeU64(litClass, data)
	if err != nil {
		return
	}
	s, rest, err := takeU64(litSalt, rest)
	if err != nil {
		return
	}
	ctor, rest, err = takeBytes(litCtor, rest)
	if err != nil {
		return
	}
	x, _, err := takeU64(litExtra, rest)
	return remote.Hash(c), remote.Hash(s), ctor, remote.Hash(x), err
}
