package regmig

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainforge/regmig/devnode"
	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/remote"
)

// failingIdentity signs like the wrapped identity but refuses to publish.
type failingIdentity struct {
	remote.Identity
	err error
}

func (f failingIdentity) Publish(ctx context.Context, art remote.Artifact) (*remote.Receipt, error) {
	return nil, f.err
}

func TestDeclarerDedupe(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})

	d := NewDeclarer(node.Account(0x1), testLogger())
	art := remote.NewArtifact([]byte("shared body"))
	d.AddClass(diff.LabeledArtifact{Artifact: art, Label: "arena-scoreboard"})
	d.AddClass(diff.LabeledArtifact{Artifact: art, Label: "lobby-matchmaker"})
	require.Len(t, d.Classes, 1)

	require.NoError(t, d.DeclareAll(ctx))
	assert.True(t, node.IsPublished(art.Code))
	assert.Empty(t, d.Classes)
	assert.Equal(t, uint64(1), mustBlock(t, node))

	// scheduling it again publishes nothing: the published set answers
	d.AddClass(diff.LabeledArtifact{Artifact: art, Label: "arena-scoreboard"})
	require.NoError(t, d.DeclareAll(ctx))
	assert.Equal(t, uint64(1), mustBlock(t, node))

	// a fresh declarer knows nothing, but the duplicate the target
	// reports folds into success
	fresh := NewDeclarer(node.Account(0x2), testLogger())
	fresh.AddClass(diff.LabeledArtifact{Artifact: art, Label: "again"})
	require.NoError(t, fresh.DeclareAll(ctx))
}

func mustBlock(t *testing.T, node *devnode.Node) uint64 {
	t.Helper()
	n, err := node.BlockNumber(context.Background())
	require.NoError(t, err)
	return n
}

func TestDeclarerSharded(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{Prefunded: 3})
	ids, err := node.PrefundedIdentities(ctx)
	require.NoError(t, err)

	d := NewDeclarer(node.Account(0x1), testLogger())
	arts := make([]remote.Artifact, 10)
	for i := range arts {
		arts[i] = remote.NewArtifact([]byte(fmt.Sprintf("artifact %d", i)))
		d.AddClass(diff.LabeledArtifact{Artifact: arts[i], Label: fmt.Sprintf("art%d", i)})
	}

	require.NoError(t, d.DeclareAllSharded(ctx, ids))
	assert.Empty(t, d.Classes)
	for i, art := range arts {
		assert.True(t, node.IsPublished(art.Code), "artifact %d not published", i)
	}
	assert.Greater(t, d.AvgPublishSeconds(), float64(0))
}

func TestDeclarerShardedDegradesToOwnIdentity(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})

	d := NewDeclarer(node.Account(0x1), testLogger())
	art := remote.NewArtifact([]byte("solo"))
	d.AddClass(diff.LabeledArtifact{Artifact: art, Label: "solo"})
	require.NoError(t, d.DeclareAllSharded(ctx, nil))
	assert.True(t, node.IsPublished(art.Code))
}

func TestDeclarerFailure(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})

	bad := failingIdentity{node.Account(0x1), errors.New("nonce gap")}
	d := NewDeclarer(bad, testLogger())
	art := remote.NewArtifact([]byte("doomed"))
	d.AddClass(diff.LabeledArtifact{Artifact: art, Label: "arena-doomed"})

	err := d.DeclareAll(ctx)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "publish", ce.Kind)
	assert.Equal(t, "arena-doomed", ce.Tag)
	assert.False(t, node.IsPublished(art.Code))
}

func TestDeclarerShardFailureKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})

	good := node.Account(0x1)
	bad := failingIdentity{node.Account(0x2), errors.New("nonce gap")}

	d := NewDeclarer(good, testLogger())
	arts := make([]remote.Artifact, 4)
	for i := range arts {
		arts[i] = remote.NewArtifact([]byte(fmt.Sprintf("artifact %d", i)))
		d.AddClass(diff.LabeledArtifact{Artifact: arts[i], Label: fmt.Sprintf("art%d", i)})
	}

	// round-robin over [bad, good]: the good shard's half still lands
	err := d.DeclareAllSharded(ctx, []remote.Identity{bad, good})
	require.Error(t, err)
	published := 0
	for _, art := range arts {
		if node.IsPublished(art.Code) {
			published++
		}
	}
	assert.Equal(t, 2, published)
}
