package lease

import (
	"testing"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/weavetest"
)

func TestRegisterLeaseMsgValidate(t *testing.T) {
	cases := map[string]struct {
		msg     RegisterLeaseMsg
		wantErr *errors.Error
	}{
		"valid message": {
			msg: RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
		},
		"valid perpetual lease": {
			msg: RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 100,
			},
		},
		"missing metadata": {
			msg: RegisterLeaseMsg{
				EmissionsShare: 30,
			},
			wantErr: errors.ErrMetadata,
		},
		"share above hundred percent": {
			msg: RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 101,
			},
			wantErr: errors.ErrMsg,
		},
		"negative end block": {
			msg: RegisterLeaseMsg{
				Metadata: &weave.Metadata{Schema: 1},
				EndBlock: -5,
			},
			wantErr: errors.ErrMsg,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("want %q error, got %q", tc.wantErr, err)
			}
		})
	}
}

func TestTerminateLeaseMsgValidate(t *testing.T) {
	operator := weavetest.NewCondition().Address()

	cases := map[string]struct {
		msg     TerminateLeaseMsg
		wantErr *errors.Error
	}{
		"valid message": {
			msg: TerminateLeaseMsg{
				Metadata: &weave.Metadata{Schema: 1},
				LeaseID:  weavetest.SequenceID(1),
				Operator: operator,
			},
		},
		"missing metadata": {
			msg: TerminateLeaseMsg{
				LeaseID:  weavetest.SequenceID(1),
				Operator: operator,
			},
			wantErr: errors.ErrMetadata,
		},
		"missing lease id": {
			msg: TerminateLeaseMsg{
				Metadata: &weave.Metadata{Schema: 1},
				Operator: operator,
			},
			wantErr: errors.ErrMsg,
		},
		"malformed lease id": {
			msg: TerminateLeaseMsg{
				Metadata: &weave.Metadata{Schema: 1},
				LeaseID:  []byte("x"),
				Operator: operator,
			},
			wantErr: errors.ErrMsg,
		},
		"invalid operator": {
			msg: TerminateLeaseMsg{
				Metadata: &weave.Metadata{Schema: 1},
				LeaseID:  weavetest.SequenceID(1),
				Operator: []byte("too-short"),
			},
			wantErr: errors.ErrInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("want %q error, got %q", tc.wantErr, err)
			}
		})
	}
}

func TestUpdateConfigurationMsgValidate(t *testing.T) {
	cases := map[string]struct {
		msg     UpdateConfigurationMsg
		wantErr *errors.Error
	}{
		"valid message": {
			msg: UpdateConfigurationMsg{
				Metadata: &weave.Metadata{Schema: 1},
				Patch: &Configuration{
					Metadata: &weave.Metadata{Schema: 1},
					Ticker:   "IOV",
				},
			},
		},
		"missing patch": {
			msg: UpdateConfigurationMsg{
				Metadata: &weave.Metadata{Schema: 1},
			},
			wantErr: errors.ErrMsg,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("want %q error, got %q", tc.wantErr, err)
			}
		})
	}
}
