package lease

import (
	"bytes"
	"testing"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/store"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
)

func TestSubnetLeaseValidate(t *testing.T) {
	addr := weavetest.NewCondition().Address()

	cases := map[string]struct {
		model   SubnetLease
		wantErr *errors.Error
	}{
		"valid model": {
			model: SubnetLease{
				Metadata:       &weave.Metadata{Schema: 1},
				Beneficiary:    addr,
				Custody:        CustodyAccount(weavetest.SequenceID(1)),
				Operator:       OperatorAccount(weavetest.SequenceID(1)),
				EmissionsShare: 30,
				EndBlock:       1000,
				SubnetID:       1,
				Cost:           150,
			},
		},
		"missing metadata": {
			model: SubnetLease{
				Beneficiary: addr,
				Custody:     CustodyAccount(weavetest.SequenceID(1)),
				Operator:    OperatorAccount(weavetest.SequenceID(1)),
			},
			wantErr: errors.ErrMetadata,
		},
		"share above hundred percent": {
			model: SubnetLease{
				Metadata:       &weave.Metadata{Schema: 1},
				Beneficiary:    addr,
				Custody:        CustodyAccount(weavetest.SequenceID(1)),
				Operator:       OperatorAccount(weavetest.SequenceID(1)),
				EmissionsShare: 200,
			},
			wantErr: errors.ErrModel,
		},
		"negative cost": {
			model: SubnetLease{
				Metadata:    &weave.Metadata{Schema: 1},
				Beneficiary: addr,
				Custody:     CustodyAccount(weavetest.SequenceID(1)),
				Operator:    OperatorAccount(weavetest.SequenceID(1)),
				Cost:        -1,
			},
			wantErr: errors.ErrModel,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.model.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("want %q error, got %q", tc.wantErr, err)
			}
		})
	}
}

func TestLeaseShareValidate(t *testing.T) {
	addr := weavetest.NewCondition().Address()
	frac, err := NewFrac(3, 10)
	assert.Nil(t, err)

	cases := map[string]struct {
		model   LeaseShare
		wantErr *errors.Error
	}{
		"valid model": {
			model: LeaseShare{
				Metadata:    &weave.Metadata{Schema: 1},
				Contributor: addr,
				Share:       frac.Bytes(),
			},
		},
		"malformed share": {
			model: LeaseShare{
				Metadata:    &weave.Metadata{Schema: 1},
				Contributor: addr,
				Share:       []byte{1, 2, 3},
			},
			wantErr: errors.ErrInput,
		},
		"zero share": {
			model: LeaseShare{
				Metadata:    &weave.Metadata{Schema: 1},
				Contributor: addr,
				Share:       zeroShare(t),
			},
			wantErr: errors.ErrModel,
		},
		"zero denominator": {
			model: LeaseShare{
				Metadata:    &weave.Metadata{Schema: 1},
				Contributor: addr,
				Share:       make([]byte, 16),
			},
			wantErr: errors.ErrInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.model.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("want %q error, got %q", tc.wantErr, err)
			}
		})
	}
}

func zeroShare(t testing.TB) []byte {
	t.Helper()
	frac, err := NewFrac(0, 10)
	if err != nil {
		t.Fatalf("cannot create fraction: %s", err)
	}
	return frac.Bytes()
}

func TestHoldingAccounts(t *testing.T) {
	leaseID := weavetest.SequenceID(1)

	custody := CustodyAccount(leaseID)
	operator := OperatorAccount(leaseID)

	assert.Nil(t, custody.Validate())
	assert.Nil(t, operator.Validate())

	if custody.Equals(operator) {
		t.Fatal("custody and operator accounts must differ")
	}
	// Derivation is deterministic.
	if !custody.Equals(CustodyAccount(leaseID)) {
		t.Fatal("custody account derivation is not deterministic")
	}
	if custody.Equals(CustodyAccount(weavetest.SequenceID(2))) {
		t.Fatal("custody accounts of different leases must differ")
	}
}

func TestAccountPinning(t *testing.T) {
	db := store.MemStore()
	migration.MustInitPkg(db, "lease")

	pins := NewPinBucket()
	addr := weavetest.NewCondition().Address()

	// Two pins on the same account, the account stays alive until both
	// are released.
	assert.Nil(t, pinAccount(db, pins, addr))
	assert.Nil(t, pinAccount(db, pins, addr))

	var pin AccountPin
	assert.Nil(t, pins.One(db, addr, &pin))
	assert.Equal(t, uint32(2), pin.Count)

	assert.Nil(t, unpinAccount(db, pins, addr))
	assert.Nil(t, pins.One(db, addr, &pin))
	assert.Equal(t, uint32(1), pin.Count)

	assert.Nil(t, unpinAccount(db, pins, addr))
	if err := pins.One(db, addr, &pin); !errors.ErrNotFound.Is(err) {
		t.Fatalf("want not found, got %q", err)
	}

	// Releasing a pin that does not exist is an error.
	if err := unpinAccount(db, pins, addr); !errors.ErrNotFound.Is(err) {
		t.Fatalf("want not found, got %q", err)
	}
}

func TestShareBucketLeaseIndex(t *testing.T) {
	db := store.MemStore()
	migration.MustInitPkg(db, "lease")

	shares := NewShareBucket()

	first := weavetest.SequenceID(1)
	second := weavetest.SequenceID(2)

	contributors := []weave.Address{
		weavetest.NewCondition().Address(),
		weavetest.NewCondition().Address(),
	}
	frac, err := NewFrac(1, 2)
	assert.Nil(t, err)

	for _, c := range contributors {
		s := &LeaseShare{
			Metadata:    &weave.Metadata{Schema: 1},
			Contributor: c,
			Share:       frac.Bytes(),
		}
		if _, err := shares.Put(db, shareKey(first, c), s); err != nil {
			t.Fatalf("cannot store share: %s", err)
		}
	}
	other := &LeaseShare{
		Metadata:    &weave.Metadata{Schema: 1},
		Contributor: contributors[0],
		Share:       frac.Bytes(),
	}
	if _, err := shares.Put(db, shareKey(second, contributors[0]), other); err != nil {
		t.Fatalf("cannot store share: %s", err)
	}

	var res []LeaseShare
	keys, err := shares.ByIndex(db, "lease", first, &res)
	assert.Nil(t, err)
	if len(keys) != 2 || len(res) != 2 {
		t.Fatalf("want 2 shares for the first lease, got %d", len(keys))
	}
	for _, key := range keys {
		if !bytes.HasPrefix(key, first) {
			t.Fatalf("share key %x does not belong to the first lease", key)
		}
	}
}
