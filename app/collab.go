package app

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/subnethub/leasing/x/lease"
)

// unwiredCollaborators backs the lease extension until the crowdloan,
// subnet registry and proxy modules are part of this application. Lease
// registration always fails at the crowdloan lookup, so no delivered
// transaction reaches the remaining methods.
type unwiredCollaborators struct{}

var _ lease.CrowdloanController = unwiredCollaborators{}
var _ lease.SubnetRegistrar = unwiredCollaborators{}
var _ lease.ProxyAuthority = unwiredCollaborators{}

func (unwiredCollaborators) FinalizingCrowdloan(weave.KVStore) (*lease.Crowdloan, error) {
	return nil, errors.Wrap(lease.ErrNoFinalizingCrowdloan, "crowdloan module is not deployed")
}

func (unwiredCollaborators) Contributions(weave.KVStore, []byte) ([]lease.Contribution, error) {
	return nil, nil
}

func (unwiredCollaborators) Register(db weave.KVStore, owner, operator weave.Address) error {
	return errors.Wrap(errors.ErrHuman, "subnet registry is not deployed")
}

func (unwiredCollaborators) FindByOwner(db weave.KVStore, owner weave.Address) (uint64, error) {
	return 0, errors.Wrap(errors.ErrNotFound, "subnet registry is not deployed")
}

func (unwiredCollaborators) SetOwner(db weave.KVStore, subnetID uint64, owner, operator weave.Address) error {
	return errors.Wrap(errors.ErrHuman, "subnet registry is not deployed")
}

func (unwiredCollaborators) OwnsOperator(db weave.KVStore, owner, operator weave.Address) bool {
	return false
}

func (unwiredCollaborators) Grant(db weave.KVStore, account, proxy weave.Address) error {
	return errors.Wrap(errors.ErrHuman, "proxy module is not deployed")
}

func (unwiredCollaborators) Revoke(db weave.KVStore, account, proxy weave.Address) error {
	return errors.Wrap(errors.ErrHuman, "proxy module is not deployed")
}
