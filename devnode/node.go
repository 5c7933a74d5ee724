// Package devnode runs a single-process, in-memory rendition of the
// execution target: accounts, class publication, deterministic deployment
// and the registry state machine, with nothing persisted and every
// transaction final the moment it returns. It backs the engine's tests and
// the console's dev mode; it is not a real ledger.
package devnode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// DefaultQueueLimit bounds each broadcast hose.
const DefaultQueueLimit = 1 << 16

// PrefundedBase is the address of the first prefunded identity; the rest
// follow consecutively.
const PrefundedBase remote.Address = 0xace0

var (
	ErrNoCalls     = errors.New("devnode: empty transaction")
	ErrBadArtifact = errors.New("devnode: artifact hashes do not match the body")
)

// Options tune one node.
type Options struct {
	// Prefunded is the number of target-provided identities reported by
	// PrefundedIdentities. Zero means the target offers none.
	Prefunded int
	// PendingReceipts makes every receipt come back pending, the way a
	// target answers before its next block is numbered.
	PendingReceipts bool
	// QueueLimit bounds each broadcast hose.
	QueueLimit int
}

func (o *Options) SetDefaults() {
	if o.QueueLimit == 0 {
		o.QueueLimit = DefaultQueueLimit
	}
}

// Node is the in-process target. One lock covers the whole ledger state:
// transactions are applied one at a time, which is exactly the consistency
// a single sequencer gives.
type Node struct {
	opts Options
	log  utils.Logger

	lock  sync.Mutex
	block uint64
	st    *ledger

	accounts  *xsync.MapOf[remote.Address, *Account]
	prefunded []remote.Address

	outlock sync.Mutex
	outq    map[string]toyqueue.DrainCloser
}

func New(log utils.Logger, opts Options) *Node {
	opts.SetDefaults()
	n := &Node{
		opts:     opts,
		log:      log,
		st:       newLedger(),
		accounts: xsync.NewMapOf[remote.Address, *Account](),
		outq:     make(map[string]toyqueue.DrainCloser),
	}
	for i := 0; i < opts.Prefunded; i++ {
		n.prefunded = append(n.prefunded, PrefundedBase+remote.Address(i))
	}
	return n
}

// Account returns the node's identity for an address, funding it on first
// use. The same address always yields the same account, so its nonce
// sequence survives reconnects.
func (n *Node) Account(addr remote.Address) *Account {
	acc, _ := n.accounts.LoadOrStore(addr, &Account{node: n, addr: addr})
	return acc
}

// Connect binds an identity to the node's provider side, forming the
// session a migration runs under.
func (n *Node) Connect(addr remote.Address) *Session {
	return &Session{Account: n.Account(addr), Node: n}
}

// Session is one connected identity: it signs through its Account and
// observes through the Node.
type Session struct {
	*Account
	*Node
}

var _ remote.Session = (*Session)(nil)

// Account is one signing identity living on the node.
type Account struct {
	node  *Node
	addr  remote.Address
	nonce uint64
}

var _ remote.Identity = (*Account)(nil)

func (a *Account) Address() remote.Address { return a.addr }

// Execute applies calls as one atomic transaction or one transaction per
// call. Execution is instantly durable, so the wait options only shape the
// receipt's pending flag via the node options.
func (a *Account) Execute(ctx context.Context, calls []remote.Call, atomic bool,
	opts remote.ExecOpts) (*remote.Receipt, error) {
	return a.node.execute(ctx, a, calls, atomic)
}

// Publish makes an artifact available. Publishing a code hash that is
// already present fails with remote.ErrAlreadyPublished.
func (a *Account) Publish(ctx context.Context, art remote.Artifact) (*remote.Receipt, error) {
	return a.node.publish(ctx, a, art)
}

func (n *Node) execute(ctx context.Context, from *Account, calls []remote.Call,
	atomic bool) (*remote.Receipt, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if atomic {
		staged := n.st.clone()
		ops := make([]pendingOp, 0, len(calls))
		for _, call := range calls {
			if err := staged.apply(call); err != nil {
				return nil, fmt.Errorf("devnode: %s %s: %w", call.Method, call.Tag, err)
			}
			ops = append(ops, pendingOp{method: call.Method, data: call.Data})
		}
		n.st = staged
		return n.commit(from, ops), nil
	}

	var receipt *remote.Receipt
	for _, call := range calls {
		if err := n.st.apply(call); err != nil {
			return nil, fmt.Errorf("devnode: %s %s: %w", call.Method, call.Tag, err)
		}
		receipt = n.commit(from, []pendingOp{{method: call.Method, data: call.Data}})
	}
	return receipt, nil
}

func (n *Node) publish(ctx context.Context, from *Account, art remote.Artifact) (*remote.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if len(art.Body) > 0 {
		if want := remote.NewArtifact(art.Body); want.Code != art.Code || want.Class != art.Class {
			return nil, fmt.Errorf("%w: class %s code %s", ErrBadArtifact, art.Class, art.Code)
		}
	}
	if _, dup := n.st.published[art.Code]; dup {
		return nil, fmt.Errorf("devnode: code %s: %w", art.Code, remote.ErrAlreadyPublished)
	}
	n.st.published[art.Code] = art
	n.st.classes[art.Class] = art.Code
	return n.commit(from, []pendingOp{{method: "publish", data: publishOpData(art)}}), nil
}

// commit seals one transaction: numbers its block, bumps the signer's
// nonce, broadcasts its ops and builds the receipt. Caller holds the node
// lock.
func (n *Node) commit(from *Account, ops []pendingOp) *remote.Receipt {
	n.block++
	from.nonce++
	tx := txHash(from.addr, from.nonce, ops)

	recs := make(toyqueue.Records, 0, len(ops))
	for _, op := range ops {
		recs = append(recs, encodeOp(n.block, from.addr, op.method, op.data))
	}
	n.broadcast(recs)

	if n.opts.PendingReceipts {
		return &remote.Receipt{Tx: tx, Pending: true}
	}
	return &remote.Receipt{Tx: tx, Block: n.block}
}

func txHash(from remote.Address, nonce uint64, ops []pendingOp) remote.Hash {
	d := xxhash.New()
	buf := binary.BigEndian.AppendUint64(nil, uint64(from))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	_, _ = d.Write(buf)
	for _, op := range ops {
		_, _ = d.Write([]byte(op.method))
		_, _ = d.Write(op.data)
	}
	return remote.Hash(d.Sum64())
}

// BlockNumber reports the current height: one block per transaction.
func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.block, nil
}

func (n *Node) IsDeployed(ctx context.Context, addr remote.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	_, ok := n.st.contracts[addr]
	return ok, nil
}

func (n *Node) PrefundedIdentities(ctx context.Context) ([]remote.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]remote.Identity, 0, len(n.prefunded))
	for _, addr := range n.prefunded {
		ids = append(ids, n.Account(addr))
	}
	return ids, nil
}

// ResolveIdentity accepts an address literal, the only identity reference
// form the development node knows.
func (n *Node) ResolveIdentity(ctx context.Context, ref string) (remote.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := remote.ParseAddress(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", remote.ErrNoIdentity, ref, err)
	}
	return n.Account(addr), nil
}

// IsPublished reports whether an artifact with this code hash has been
// published.
func (n *Node) IsPublished(code remote.Hash) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	_, ok := n.st.published[code]
	return ok
}

// HasClass reports whether any published artifact carries this class
// reference.
func (n *Node) HasClass(class remote.Hash) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	_, ok := n.st.classes[class]
	return ok
}
