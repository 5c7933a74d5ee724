package regmig

import (
	"context"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// Deployer issues deterministic deployments through the deployment system
// contract. Deployments are idempotent: an address that already exists is
// left alone and no call is produced for it.
type Deployer struct {
	session remote.Session
	log     utils.Logger
}

func NewDeployer(session remote.Session, log utils.Logger) *Deployer {
	return &Deployer{session: session, log: log}
}

// DeployCall derives the deployment address and builds the deploy call.
// A nil call with nil error means the address is already live.
func (dep *Deployer) DeployCall(ctx context.Context, tag string, class, salt remote.Hash,
	ctor []byte, extra remote.Hash) (remote.Address, *remote.Call, error) {

	addr := remote.DeriveAddress(registry.DeployerAddress, class, salt, ctor)
	deployed, err := dep.session.IsDeployed(ctx, addr)
	if err != nil {
		return 0, nil, err
	}
	if deployed {
		dep.log.Debug("already deployed", "tag", tag, "address", addr)
		return addr, nil, nil
	}
	call := registry.DeployCall(tag, class, salt, ctor, extra)
	return addr, &call, nil
}

// Deploy executes the deployment immediately, waiting for its receipt. The
// receipt is nil when the address already existed.
func (dep *Deployer) Deploy(ctx context.Context, tag string, class, salt remote.Hash,
	ctor []byte, extra remote.Hash) (remote.Address, *remote.Receipt, error) {

	addr, call, err := dep.DeployCall(ctx, tag, class, salt, ctor, extra)
	if err != nil || call == nil {
		return addr, nil, err
	}
	receipt, err := dep.session.Execute(ctx, []remote.Call{*call}, true,
		remote.ExecOpts{Wait: true, Receipt: true})
	if err != nil {
		return 0, nil, callFailed("deploy", tag, err)
	}
	dep.log.Debug("deployed", "tag", tag, "address", addr, "tx", receipt.Tx)
	return addr, receipt, nil
}
