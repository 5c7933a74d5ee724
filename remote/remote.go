// Package remote defines the capability surface of the execution target a
// migration converges: publishing code artifacts, executing mutating calls
// under a signing identity, and observing chain state. Wire encoding and
// transaction signing live behind these interfaces; the engine never sees
// them.
package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
)

// Address of an account or deployed contract on the target.
type Address uint64

// Hash is a 64-bit content hash: artifact class and code hashes, transaction
// hashes and deployment salts all use it.
type Hash uint64

func (a Address) String() string { return fmt.Sprintf("0x%016x", uint64(a)) }
func (h Hash) String() string    { return fmt.Sprintf("0x%016x", uint64(h)) }

// Addresses and hashes travel through JSON manifests as hex text.

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (h Hash) MarshalText() ([]byte, error)    { return []byte(h.String()), nil }

func (a *Address) UnmarshalText(text []byte) (err error) {
	*a, err = ParseAddress(string(text))
	return
}

func (h *Hash) UnmarshalText(text []byte) (err error) {
	*h, err = ParseHash(string(text))
	return
}

// ParseAddress accepts the 0x-prefixed hex form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	v, err := ParseHash(s)
	return Address(v), err
}

// ParseHash accepts the 0x-prefixed hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if raw == "" {
		return 0, fmt.Errorf("remote: empty hash literal")
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("remote: bad hash literal %q: %w", s, err)
	}
	return Hash(v), nil
}

// Artifact is a compiled code artifact. Class is the reference the registry
// stores and resolves; Code is the content hash the target keys publications
// by (two artifacts with equal Code are the same publication).
type Artifact struct {
	Class Hash   `json:"class"`
	Code  Hash   `json:"code"`
	Body  []byte `json:"body,omitempty"`
}

// NewArtifact hashes a compiled body into an Artifact. Code hashes the raw
// bytes; Class folds in a domain prefix so the two reference spaces cannot
// collide.
func NewArtifact(body []byte) Artifact {
	prefixed := make([]byte, 0, len(body)+6)
	prefixed = append(prefixed, "class\x00"...)
	prefixed = append(prefixed, body...)
	return Artifact{
		Class: Hash(xxhash.Sum64(prefixed)),
		Code:  Hash(xxhash.Sum64(body)),
		Body:  body,
	}
}

// DeriveAddress computes the address of a deterministic deployment from the
// deploying contract, the class reference, the salt and the constructor
// payload. Every party that needs the address before the deployment exists
// (manifests, idempotence checks, the target itself) derives it the same way.
func DeriveAddress(deployer Address, class, salt Hash, ctor []byte) Address {
	buf := make([]byte, 24, 24+len(ctor))
	binary.BigEndian.PutUint64(buf[0:8], uint64(deployer))
	binary.BigEndian.PutUint64(buf[8:16], uint64(class))
	binary.BigEndian.PutUint64(buf[16:24], uint64(salt))
	return Address(xxhash.Sum64(append(buf, ctor...)))
}

// Call is one mutating invocation addressed to a contract on the target.
// Data is an opaque payload already encoded for the callee. Tag carries the
// resource tag that produced the call, for diagnostics only: it never goes
// on the wire.
type Call struct {
	To     Address
	Method string
	Data   []byte
	Tag    string
}

// Receipt of a durably executed transaction. Pending is set when the
// transaction is accepted but not yet in a numbered block.
type Receipt struct {
	Tx      Hash
	Block   uint64
	Pending bool
}

// ExecOpts tune how an identity waits on submitted transactions.
type ExecOpts struct {
	// Wait blocks until the transaction is accepted.
	Wait bool
	// Receipt additionally fetches the full receipt (implies Wait).
	Receipt bool
}

// Identity is a signing identity with its own nonce sequence. Calls executed
// through one Identity are ordered; identities are not safe to share across
// concurrently flushing batches.
type Identity interface {
	Address() Address

	// Execute submits calls. With atomic set the calls form one
	// all-or-nothing transaction; otherwise they are submitted one
	// transaction per call, in order.
	Execute(ctx context.Context, calls []Call, atomic bool, opts ExecOpts) (*Receipt, error)

	// Publish makes a code artifact available on the target. Publishing a
	// Code hash that is already present fails with ErrAlreadyPublished
	// (possibly wrapped, possibly flattened to its message by transports).
	Publish(ctx context.Context, art Artifact) (*Receipt, error)
}

// Provider observes target state and resolves identities. Observation
// failures are reported as *ProviderError so callers can tell "transaction
// failed" from "could not see the chain".
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	IsDeployed(ctx context.Context, addr Address) (bool, error)

	// PrefundedIdentities returns target-provided identities usable for
	// parallel publication, or an empty slice when unsupported.
	PrefundedIdentities(ctx context.Context) ([]Identity, error)

	// ResolveIdentity resolves a configured identity reference (an address
	// literal for the development node).
	ResolveIdentity(ctx context.Context, ref string) (Identity, error)
}

// Session is the migrator's connected identity: it signs, and it sees.
type Session interface {
	Identity
	Provider
}

var (
	ErrAlreadyPublished = errors.New("artifact already published")
	ErrNotDeployed      = errors.New("contract not deployed")
	ErrNoIdentity       = errors.New("unknown signing identity")
)

// IsAlreadyPublished recognizes the duplicate-publication condition whether
// it arrives as the sentinel or flattened into a message by a transport.
func IsAlreadyPublished(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAlreadyPublished) ||
		strings.Contains(err.Error(), "already published")
}

// ProviderError marks a failure to observe target state, as opposed to a
// failed transaction.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
