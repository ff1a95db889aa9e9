package lease

import (
	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
)

func init() {
	migration.MustRegister(1, &RegisterLeaseMsg{}, migration.NoModification)
	migration.MustRegister(1, &TerminateLeaseMsg{}, migration.NoModification)
	migration.MustRegister(1, &UpdateConfigurationMsg{}, migration.NoModification)
}

var _ weave.Msg = (*RegisterLeaseMsg)(nil)
var _ weave.Msg = (*TerminateLeaseMsg)(nil)
var _ weave.Msg = (*UpdateConfigurationMsg)(nil)

const (
	pathRegisterLeaseMsg       = "lease/register"
	pathTerminateLeaseMsg      = "lease/terminate"
	pathUpdateConfigurationMsg = "lease/update_configuration"
)

func (msg *RegisterLeaseMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if msg.EmissionsShare > 100 {
		return errors.Wrap(errors.ErrMsg, "emissions share must not exceed 100 percent")
	}
	if msg.EndBlock < 0 {
		return errors.Wrap(errors.ErrMsg, "negative end block")
	}
	return nil
}

func (RegisterLeaseMsg) Path() string {
	return pathRegisterLeaseMsg
}

func (msg *TerminateLeaseMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.LeaseID) != 8 {
		return errors.Wrap(errors.ErrMsg, "lease id must be 8 bytes")
	}
	if err := msg.Operator.Validate(); err != nil {
		return errors.Wrap(err, "operator")
	}
	return nil
}

func (TerminateLeaseMsg) Path() string {
	return pathTerminateLeaseMsg
}

func (msg *UpdateConfigurationMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if msg.Patch == nil {
		return errors.Wrap(errors.ErrMsg, "configuration patch missing")
	}
	return nil
}

func (UpdateConfigurationMsg) Path() string {
	return pathUpdateConfigurationMsg
}
