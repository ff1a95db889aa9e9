package lease

import (
	"github.com/iov-one/weave/errors"
)

var (
	// ErrNoFinalizingCrowdloan is returned when a lease registration is
	// attempted while no crowdloan is being finalized.
	ErrNoFinalizingCrowdloan = errors.Register(1200, "no crowdloan being finalized")

	// ErrInvalidBeneficiary is returned when the lease registration is not
	// signed by the creator of the finalizing crowdloan.
	ErrInvalidBeneficiary = errors.Register(1201, "invalid lease beneficiary")

	// ErrEndBlockPast is returned when the requested lease end block is
	// not in the future.
	ErrEndBlockPast = errors.Register(1202, "lease end block cannot be in the past")

	// ErrSubnetNotFound is returned when no subnet owned by the lease
	// custody account can be found after registration.
	ErrSubnetNotFound = errors.Register(1203, "no subnet owned by the lease custody account")

	// ErrLeaseNotFound is returned when referencing a lease that does not
	// exist.
	ErrLeaseNotFound = errors.Register(1204, "lease does not exist")

	// ErrNotBeneficiary is returned when a lease operation reserved for
	// the beneficiary is signed by someone else.
	ErrNotBeneficiary = errors.Register(1205, "not the lease beneficiary")

	// ErrNoEndBlock is returned when terminating a perpetual lease.
	ErrNoEndBlock = errors.Register(1206, "lease has no end block")

	// ErrLeaseNotEnded is returned when terminating a lease before its end
	// block.
	ErrLeaseNotEnded = errors.Register(1207, "lease has not ended")

	// ErrOperatorNotOwned is returned when the operator identity given for
	// the subnet handover is not owned by the beneficiary.
	ErrOperatorNotOwned = errors.Register(1208, "operator identity is not owned by the beneficiary")
)
