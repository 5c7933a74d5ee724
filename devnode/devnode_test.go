package devnode

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

func testNode(opts Options) *Node {
	return New(utils.NewDefaultLogger(slog.LevelError), opts)
}

func mustPublish(t *testing.T, acc *Account, body string) remote.Artifact {
	t.Helper()
	art := remote.NewArtifact([]byte(body))
	_, err := acc.Publish(context.Background(), art)
	require.NoError(t, err)
	return art
}

// deployRegistry publishes a registry class and deploys an instance of it,
// returning the instance address.
func deployRegistry(t *testing.T, acc *Account, body string, seed remote.Hash) remote.Address {
	t.Helper()
	art := mustPublish(t, acc, body)
	call := registry.DeployCall("registry", art.Class, seed, registry.ConstructorData(art.Class), 0)
	_, err := acc.Execute(context.Background(), []remote.Call{call}, true, remote.ExecOpts{})
	require.NoError(t, err)
	return remote.DeriveAddress(registry.DeployerAddress, art.Class, seed,
		registry.ConstructorData(art.Class))
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)

	art := remote.NewArtifact([]byte("actions v1"))
	rec, err := acc.Publish(ctx, art)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Block)
	assert.False(t, rec.Pending)
	assert.NotZero(t, rec.Tx)
	assert.True(t, node.IsPublished(art.Code))
	assert.True(t, node.HasClass(art.Class))

	_, err = acc.Publish(ctx, art)
	assert.ErrorIs(t, err, remote.ErrAlreadyPublished)
	assert.True(t, remote.IsAlreadyPublished(err))

	_, err = acc.Publish(ctx, remote.Artifact{Class: 1, Code: 2, Body: []byte("mismatch")})
	assert.ErrorIs(t, err, ErrBadArtifact)

	// bodyless artifacts skip verification: real targets only see hashes
	_, err = acc.Publish(ctx, remote.Artifact{Class: 0x10, Code: 0x20})
	assert.NoError(t, err)
	assert.True(t, node.IsPublished(0x20))
}

func TestDeploy(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)

	world := deployRegistry(t, acc, "registry v1", 0xbeef)
	ok, err := node.IsDeployed(ctx, world)
	require.NoError(t, err)
	assert.True(t, ok)
	view, isWorld := node.World(world)
	require.True(t, isWorld)
	assert.Equal(t, world, view.Address)
	assert.Equal(t, remote.NewArtifact([]byte("registry v1")).Class, view.Class)

	// the same class, salt and constructor land on the same address
	art := remote.NewArtifact([]byte("registry v1"))
	redo := registry.DeployCall("registry", art.Class, 0xbeef, registry.ConstructorData(art.Class), 0)
	_, err = acc.Execute(ctx, []remote.Call{redo}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrAlreadyDeployed)

	ghost := registry.DeployCall("ghost", 0xffff, 1, nil, 0)
	_, err = acc.Execute(ctx, []remote.Call{ghost}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrClassNotPublished)

	// an opaque constructor deploys a plain contract, not a registry
	oracle := mustPublish(t, acc, "oracle v1")
	plain := registry.DeployCall("oracle", oracle.Class, 7, []byte{1, 2, 3}, 0)
	_, err = acc.Execute(ctx, []remote.Call{plain}, true, remote.ExecOpts{})
	require.NoError(t, err)
	addr := remote.DeriveAddress(registry.DeployerAddress, oracle.Class, 7, []byte{1, 2, 3})
	ok, err = node.IsDeployed(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)
	_, isWorld = node.World(addr)
	assert.False(t, isWorld)

	miscall := remote.Call{To: registry.DeployerAddress, Method: "destroy", Tag: "x"}
	_, err = acc.Execute(ctx, []remote.Call{miscall}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestRegistryCalls(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)

	one := func(call remote.Call) error {
		_, err := acc.Execute(ctx, []remote.Call{call}, true, remote.ExecOpts{})
		return err
	}

	require.NoError(t, one(reg.RegisterNamespaceCall("arena")))
	assert.ErrorIs(t, one(reg.RegisterNamespaceCall("arena")), ErrNamespaceExists)
	assert.ErrorIs(t, one(reg.RegisterNamespaceCall("Bad-Name")), registry.ErrBadName)

	actions := mustPublish(t, acc, "actions v1")
	sel := registry.SelectorFromTag("arena-actions")
	require.NoError(t, one(reg.RegisterContractCall("arena-actions", sel, "arena", "actions", actions.Class)))

	view, _ := node.World(world)
	res := view.Resources[sel]
	assert.Equal(t, KindContract, res.Kind)
	assert.Equal(t, "arena", res.Namespace)
	assert.Equal(t, "actions", res.Name)
	assert.Equal(t, actions.Class, res.Class)
	wantAddr := remote.DeriveAddress(world, actions.Class, remote.Hash(sel), nil)
	assert.Equal(t, wantAddr, res.Address)
	deployed, err := node.IsDeployed(ctx, wantAddr)
	require.NoError(t, err)
	assert.True(t, deployed)

	// re-registering the same class collides on the derived address first
	assert.ErrorIs(t, one(reg.RegisterContractCall("arena-actions", sel, "arena", "actions", actions.Class)), ErrAlreadyDeployed)
	actions2 := mustPublish(t, acc, "actions v2")
	assert.ErrorIs(t, one(reg.RegisterContractCall("arena-actions", sel, "arena", "actions", actions2.Class)), ErrResourceExists)

	voidSel := registry.SelectorFromTag("void-thing")
	assert.ErrorIs(t, one(reg.RegisterContractCall("void-thing", voidSel, "void", "thing", actions.Class)), ErrNoNamespace)
	ghostSel := registry.SelectorFromTag("arena-ghost")
	assert.ErrorIs(t, one(reg.RegisterContractCall("arena-ghost", ghostSel, "arena", "ghost", 0xdead)), ErrClassNotPublished)

	position := mustPublish(t, acc, "position record")
	posSel := registry.SelectorFromTag("arena-position")
	require.NoError(t, one(reg.RegisterRecordCall("arena-position", posSel, "arena", "position", position.Class)))
	moved := mustPublish(t, acc, "moved event")
	movedSel := registry.SelectorFromTag("arena-moved")
	require.NoError(t, one(reg.RegisterEventCall("arena-moved", movedSel, "arena", "moved", moved.Class)))
	mathlib := mustPublish(t, acc, "mathlib 1.2.0")
	libSel := registry.SelectorFromTag("arena-mathlib_v1_2_0")
	require.NoError(t, one(reg.RegisterLibraryCall("arena-mathlib_v1_2_0", libSel, "arena", "mathlib", "1.2.0", mathlib.Class)))

	view, _ = node.World(world)
	assert.Equal(t, KindRecord, view.Resources[posSel].Kind)
	assert.Zero(t, view.Resources[posSel].Address)
	assert.Equal(t, KindEvent, view.Resources[movedSel].Kind)
	assert.Equal(t, KindLibrary, view.Resources[libSel].Kind)
	assert.Equal(t, "1.2.0", view.Resources[libSel].Version)
	assert.Equal(t, []string{"arena"}, view.Namespaces)

	// upgrades swap the class, keep the address
	require.NoError(t, one(reg.UpgradeContractCall("arena-actions", sel, "arena", actions2.Class)))
	view, _ = node.World(world)
	assert.Equal(t, actions2.Class, view.Resources[sel].Class)
	assert.Equal(t, wantAddr, view.Resources[sel].Address)
	assert.ErrorIs(t, one(reg.UpgradeRecordCall("arena-actions", sel, "arena", position.Class)), ErrKindMismatch)
	assert.ErrorIs(t, one(reg.UpgradeContractCall("arena-ghost", ghostSel, "arena", actions2.Class)), ErrUnknownResource)

	require.NoError(t, one(reg.InitContractCall("arena-actions", sel, [][]byte{[]byte("seed")})))
	view, _ = node.World(world)
	assert.True(t, view.Resources[sel].Initialized)
	assert.Equal(t, []byte("seed"), view.Resources[sel].InitArgs)
	assert.ErrorIs(t, one(reg.InitContractCall("arena-actions", sel, nil)), ErrAlreadyInitialized)
	assert.ErrorIs(t, one(reg.InitContractCall("arena-position", posSel, nil)), ErrKindMismatch)
	assert.ErrorIs(t, one(reg.InitContractCall("arena-ghost", ghostSel, nil)), ErrUnknownResource)

	nsSel := registry.NamespaceSelector("arena")
	require.NoError(t, one(reg.GrantWriterCall("arena", nsSel, 0x99)))
	require.NoError(t, one(reg.GrantWriterCall("arena", nsSel, 0x99))) // idempotent
	require.NoError(t, one(reg.GrantWriterCall("arena", nsSel, 0x42)))
	require.NoError(t, one(reg.GrantOwnerCall("registry", registry.RegistrySelector, 0x77)))
	assert.ErrorIs(t, one(reg.GrantWriterCall("arena-ghost", ghostSel, 0x99)), ErrUnknownResource)
	view, _ = node.World(world)
	assert.Equal(t, []remote.Address{0x42, 0x99}, view.Writers[nsSel])
	assert.Equal(t, []remote.Address{0x77}, view.Owners[registry.RegistrySelector])

	require.NoError(t, one(reg.SetMetadataCall("registry", registry.RegistrySelector, "ipfs://world", 0xab)))
	require.NoError(t, one(reg.SetMetadataCall("arena-actions", sel, "ipfs://actions", 0xcd)))
	assert.ErrorIs(t, one(reg.SetMetadataCall("arena-ghost", ghostSel, "ipfs://x", 1)), ErrUnknownResource)
	view, _ = node.World(world)
	assert.Equal(t, Metadata{URI: "ipfs://world", Hash: 0xab}, view.Metadata[registry.RegistrySelector])
	assert.Equal(t, Metadata{URI: "ipfs://actions", Hash: 0xcd}, view.Metadata[sel])

	regV2 := mustPublish(t, acc, "registry v2")
	require.NoError(t, one(reg.UpgradeRegistryCall(regV2.Class)))
	assert.ErrorIs(t, one(reg.UpgradeRegistryCall(0xdead)), ErrClassNotPublished)
	view, _ = node.World(world)
	assert.Equal(t, regV2.Class, view.Class)
}

func TestBadTargets(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)

	oracle := mustPublish(t, acc, "oracle v1")
	plain := registry.DeployCall("oracle", oracle.Class, 7, []byte{1}, 0)
	_, err := acc.Execute(ctx, []remote.Call{plain}, true, remote.ExecOpts{})
	require.NoError(t, err)
	addr := remote.DeriveAddress(registry.DeployerAddress, oracle.Class, 7, []byte{1})

	call := registry.New(addr).RegisterNamespaceCall("arena")
	_, err = acc.Execute(ctx, []remote.Call{call}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrNotARegistry)

	call = registry.New(0x404).RegisterNamespaceCall("arena")
	_, err = acc.Execute(ctx, []remote.Call{call}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, remote.ErrNotDeployed)

	call = registry.New(addr).RegisterNamespaceCall("arena")
	call.Method = "explode"
	_, err = acc.Execute(ctx, []remote.Call{call}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrNotARegistry)
}

func TestAtomicRollback(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)

	before, err := node.BlockNumber(ctx)
	require.NoError(t, err)

	sel := registry.SelectorFromTag("arena-ghost")
	calls := []remote.Call{
		reg.RegisterNamespaceCall("arena"),
		reg.RegisterContractCall("arena-ghost", sel, "arena", "ghost", 0xdead),
	}
	_, err = acc.Execute(ctx, calls, true, remote.ExecOpts{})
	require.ErrorIs(t, err, ErrClassNotPublished)

	// nothing of the failed batch sticks, not even the first call
	after, err := node.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	view, _ := node.World(world)
	assert.Empty(t, view.Namespaces)
}

func TestSequentialPartialCommit(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)

	before, err := node.BlockNumber(ctx)
	require.NoError(t, err)

	sel := registry.SelectorFromTag("arena-ghost")
	calls := []remote.Call{
		reg.RegisterNamespaceCall("arena"),
		reg.RegisterContractCall("arena-ghost", sel, "arena", "ghost", 0xdead),
		reg.RegisterNamespaceCall("lobby"),
	}
	_, err = acc.Execute(ctx, calls, false, remote.ExecOpts{})
	require.ErrorIs(t, err, ErrClassNotPublished)

	// calls before the failure committed, calls after it never ran
	after, err := node.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
	view, _ := node.World(world)
	assert.Equal(t, []string{"arena"}, view.Namespaces)
}

func TestBlockPerTransaction(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)

	batch := []remote.Call{
		reg.RegisterNamespaceCall("arena"),
		reg.RegisterNamespaceCall("lobby"),
		reg.RegisterNamespaceCall("vault"),
	}
	rec, err := acc.Execute(ctx, batch, true, remote.ExecOpts{})
	require.NoError(t, err)
	height, err := node.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, height, rec.Block)

	each := []remote.Call{
		reg.RegisterNamespaceCall("pit"),
		reg.RegisterNamespaceCall("den"),
		reg.RegisterNamespaceCall("keep"),
	}
	rec, err = acc.Execute(ctx, each, false, remote.ExecOpts{})
	require.NoError(t, err)
	assert.Equal(t, height+3, rec.Block)
}

func TestEmptyAndCancelled(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)

	_, err := acc.Execute(ctx, nil, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, ErrNoCalls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	call := registry.New(1).RegisterNamespaceCall("arena")
	_, err = acc.Execute(cancelled, []remote.Call{call}, true, remote.ExecOpts{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = acc.Publish(cancelled, remote.NewArtifact([]byte("x")))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = node.BlockNumber(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPendingReceipts(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{PendingReceipts: true})
	acc := node.Account(0x1)

	rec, err := acc.Publish(ctx, remote.NewArtifact([]byte("actions v1")))
	require.NoError(t, err)
	assert.True(t, rec.Pending)
	assert.Zero(t, rec.Block)
	assert.NotZero(t, rec.Tx)

	// state still advances, only the receipt stays mum about the block
	height, err := node.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), height)
}

func TestIdentities(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{Prefunded: 3})

	ids, err := node.PrefundedIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, PrefundedBase, ids[0].Address())
	assert.Equal(t, PrefundedBase+2, ids[2].Address())

	id, err := node.ResolveIdentity(ctx, "0xace0")
	require.NoError(t, err)
	assert.Equal(t, ids[0].Address(), id.Address())

	_, err = node.ResolveIdentity(ctx, "not-an-address")
	assert.ErrorIs(t, err, remote.ErrNoIdentity)

	// one address, one account, one nonce sequence
	assert.Same(t, node.Account(0x5), node.Account(0x5))

	bare, err := testNode(Options{}).PrefundedIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, bare)
}

func TestNonceInTxHash(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)

	first, err := acc.Execute(ctx, []remote.Call{reg.RegisterNamespaceCall("arena")}, true, remote.ExecOpts{})
	require.NoError(t, err)
	second, err := acc.Execute(ctx, []remote.Call{reg.RegisterNamespaceCall("lobby")}, true, remote.ExecOpts{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tx, second.Tx)
}

func TestHoses(t *testing.T) {
	ctx := context.Background()
	node := testNode(Options{})
	acc := node.Account(0x1)
	hose := node.AddHose("test")

	world := deployRegistry(t, acc, "registry v1", 1)
	reg := registry.New(world)
	_, err := acc.Execute(ctx, []remote.Call{reg.RegisterNamespaceCall("arena")}, true, remote.ExecOpts{})
	require.NoError(t, err)

	var ops []Op
	for {
		recs, err := hose.Feed()
		if errors.Is(err, toyqueue.ErrWouldBlock) {
			break
		}
		require.NoError(t, err)
		for _, rec := range recs {
			op, err := ParseOp(rec)
			require.NoError(t, err)
			ops = append(ops, op)
		}
	}
	require.Len(t, ops, 3)
	assert.Equal(t, "publish", ops[0].Method)
	assert.Equal(t, registry.MethodDeploy, ops[1].Method)
	assert.Equal(t, registry.MethodRegisterNamespace, ops[2].Method)
	assert.Equal(t, uint64(1), ops[0].Block)
	assert.Equal(t, uint64(3), ops[2].Block)
	assert.Equal(t, remote.Address(0x1), ops[2].From)
	name, err := registry.ParseRegisterNamespace(ops[2].Data)
	require.NoError(t, err)
	assert.Equal(t, "arena", name)

	// failed transactions broadcast nothing
	_, err = acc.Execute(ctx, []remote.Call{reg.RegisterNamespaceCall("arena")}, true, remote.ExecOpts{})
	require.Error(t, err)
	_, err = hose.Feed()
	assert.ErrorIs(t, err, toyqueue.ErrWouldBlock)

	// registering the same name replaces and closes the old hose
	replacement := node.AddHose("test")
	_, err = hose.Feed()
	assert.ErrorIs(t, err, toyqueue.ErrClosed)

	require.NoError(t, node.RemoveHose("test"))
	_, err = replacement.Feed()
	assert.ErrorIs(t, err, toyqueue.ErrClosed)
}

func TestParseOpRejectsGarbage(t *testing.T) {
	_, err := ParseOp([]byte("not a record"))
	assert.Error(t, err)
	_, err = ParseOp(nil)
	assert.Error(t, err)
}
