package regmig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainforge/regmig/devnode"
	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

func TestDeployerIdempotent(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})
	session := node.Connect(0xabe)

	art := remote.NewArtifact([]byte("oracle v1"))
	_, err := session.Publish(ctx, art)
	require.NoError(t, err)

	dep := NewDeployer(session, testLogger())
	addr, receipt, err := dep.Deploy(ctx, "oracle", art.Class, 0x5a17, []byte("genesis"), 0)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, remote.DeriveAddress(registry.DeployerAddress, art.Class, 0x5a17,
		[]byte("genesis")), addr)
	live, err := session.IsDeployed(ctx, addr)
	require.NoError(t, err)
	assert.True(t, live)

	// re-deploying is a no-op signalled by a nil receipt
	addr2, receipt2, err := dep.Deploy(ctx, "oracle", art.Class, 0x5a17, []byte("genesis"), 0)
	require.NoError(t, err)
	assert.Nil(t, receipt2)
	assert.Equal(t, addr, addr2)
}

func TestDeployCallSkipsLive(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})
	session := node.Connect(0xabe)

	art := remote.NewArtifact([]byte("oracle v1"))
	_, err := session.Publish(ctx, art)
	require.NoError(t, err)

	dep := NewDeployer(session, testLogger())
	addr, call, err := dep.DeployCall(ctx, "oracle", art.Class, 1, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, registry.DeployerAddress, call.To)
	assert.Equal(t, registry.MethodDeploy, call.Method)

	_, err = session.Execute(ctx, []remote.Call{*call}, true, remote.ExecOpts{})
	require.NoError(t, err)

	addr2, call2, err := dep.DeployCall(ctx, "oracle", art.Class, 1, nil, 0)
	require.NoError(t, err)
	assert.Nil(t, call2)
	assert.Equal(t, addr, addr2)
}

func TestDeployerPropagatesFailure(t *testing.T) {
	ctx := context.Background()
	node := devnode.New(testLogger(), devnode.Options{})
	session := node.Connect(0xabe)

	dep := NewDeployer(session, testLogger())
	_, _, err := dep.Deploy(ctx, "ghost", 0xdead, 1, nil, 0)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "deploy", ce.Kind)
	assert.Equal(t, "ghost", ce.Tag)
	assert.ErrorIs(t, err, devnode.ErrClassNotPublished)
}
