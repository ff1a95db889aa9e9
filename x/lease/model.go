package lease

import (
	"encoding/binary"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
)

func init() {
	migration.MustRegister(1, &SubnetLease{}, migration.NoModification)
	migration.MustRegister(1, &LeaseShare{}, migration.NoModification)
	migration.MustRegister(1, &AccumulatedDividends{}, migration.NoModification)
	migration.MustRegister(1, &AccountPin{}, migration.NoModification)
}

var _ orm.CloneableData = (*SubnetLease)(nil)

func (l *SubnetLease) Validate() error {
	if err := l.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if err := l.Beneficiary.Validate(); err != nil {
		return errors.Wrap(err, "beneficiary")
	}
	if err := l.Custody.Validate(); err != nil {
		return errors.Wrap(err, "custody")
	}
	if err := l.Operator.Validate(); err != nil {
		return errors.Wrap(err, "operator")
	}
	if l.EmissionsShare > 100 {
		return errors.Wrap(errors.ErrModel, "emissions share must not exceed 100 percent")
	}
	if l.EndBlock < 0 {
		return errors.Wrap(errors.ErrModel, "negative end block")
	}
	if l.Cost < 0 {
		return errors.Wrap(errors.ErrModel, "negative cost")
	}
	return nil
}

func (l *SubnetLease) Copy() orm.CloneableData {
	return &SubnetLease{
		Metadata:       l.Metadata.Copy(),
		Beneficiary:    l.Beneficiary.Clone(),
		Custody:        l.Custody.Clone(),
		Operator:       l.Operator.Clone(),
		EmissionsShare: l.EmissionsShare,
		EndBlock:       l.EndBlock,
		SubnetID:       l.SubnetID,
		Cost:           l.Cost,
	}
}

var _ orm.CloneableData = (*LeaseShare)(nil)

func (s *LeaseShare) Validate() error {
	if err := s.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if err := s.Contributor.Validate(); err != nil {
		return errors.Wrap(err, "contributor")
	}
	frac, err := FracFromBytes(s.Share)
	if err != nil {
		return errors.Wrap(err, "share")
	}
	if frac.IsZero() {
		return errors.Wrap(errors.ErrModel, "zero share")
	}
	return nil
}

func (s *LeaseShare) Copy() orm.CloneableData {
	return &LeaseShare{
		Metadata:    s.Metadata.Copy(),
		Contributor: s.Contributor.Clone(),
		Share:       append([]byte{}, s.Share...),
	}
}

var _ orm.CloneableData = (*AccumulatedDividends)(nil)

func (a *AccumulatedDividends) Validate() error {
	if err := a.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if a.Amount < 0 {
		return errors.Wrap(errors.ErrModel, "negative amount")
	}
	return nil
}

func (a *AccumulatedDividends) Copy() orm.CloneableData {
	return &AccumulatedDividends{
		Metadata: a.Metadata.Copy(),
		Amount:   a.Amount,
	}
}

var _ orm.CloneableData = (*AccountPin)(nil)

func (p *AccountPin) Validate() error {
	if err := p.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if p.Count == 0 {
		return errors.Wrap(errors.ErrModel, "zero pin count")
	}
	return nil
}

func (p *AccountPin) Copy() orm.CloneableData {
	return &AccountPin{
		Metadata: p.Metadata.Copy(),
		Count:    p.Count,
	}
}

// NewLeaseBucket returns a bucket for managing leases. Leases are keyed
// by an 8 byte sequence id and indexed by the subnet they hold.
func NewLeaseBucket() orm.ModelBucket {
	b := orm.NewModelBucket("lease", &SubnetLease{},
		orm.WithIDSequence(leaseSeq),
		orm.WithIndex("subnet", idxLeaseSubnet, true),
	)
	return migration.NewModelBucket("lease", b)
}

var leaseSeq = orm.NewSequence("lease", "id")

func idxLeaseSubnet(obj orm.Object) ([]byte, error) {
	if obj == nil || obj.Value() == nil {
		return nil, errors.Wrap(errors.ErrHuman, "cannot index nil object")
	}
	l, ok := obj.Value().(*SubnetLease)
	if !ok {
		return nil, errors.Wrap(errors.ErrState, "can only index a lease")
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, l.SubnetID)
	return raw, nil
}

// NewShareBucket returns a bucket for managing contributor shares. A
// share is keyed by the lease id followed by the contributor address
// and indexed by the lease id alone for per lease iteration.
func NewShareBucket() orm.ModelBucket {
	b := orm.NewModelBucket("leaseshr", &LeaseShare{},
		orm.WithIndex("lease", idxShareLease, false),
	)
	return migration.NewModelBucket("lease", b)
}

func idxShareLease(obj orm.Object) ([]byte, error) {
	if obj == nil {
		return nil, errors.Wrap(errors.ErrHuman, "cannot index nil object")
	}
	key := obj.Key()
	if len(key) <= 8 {
		return nil, errors.Wrap(errors.ErrState, "malformed share key")
	}
	return key[:8], nil
}

// shareKey builds the primary key of a contributor share record.
func shareKey(leaseID []byte, contributor weave.Address) []byte {
	key := make([]byte, 0, len(leaseID)+len(contributor))
	key = append(key, leaseID...)
	return append(key, contributor...)
}

// NewDividendBucket returns a bucket for dividends that are earmarked
// but not yet paid out, keyed by lease id.
func NewDividendBucket() orm.ModelBucket {
	b := orm.NewModelBucket("leaseacc", &AccumulatedDividends{})
	return migration.NewModelBucket("lease", b)
}

// NewPinBucket returns a bucket for the reference counts that keep the
// keyless holding accounts alive, keyed by account address.
func NewPinBucket() orm.ModelBucket {
	b := orm.NewModelBucket("leasepin", &AccountPin{})
	return migration.NewModelBucket("lease", b)
}

// CustodyAccount returns the keyless account that owns the subnet
// registration and holds the crowdloan funds of a lease. There is no
// private key that can sign for this address.
func CustodyAccount(leaseID []byte) weave.Address {
	return weave.NewCondition("lease", "custody", leaseID).Address()
}

// OperatorAccount returns the keyless subnet operating identity of a
// lease.
func OperatorAccount(leaseID []byte) weave.Address {
	return weave.NewCondition("lease", "operator", leaseID).Address()
}

func pinAccount(db weave.KVStore, b orm.ModelBucket, addr weave.Address) error {
	var pin AccountPin
	switch err := b.One(db, addr, &pin); {
	case err == nil:
		pin.Count++
	case errors.ErrNotFound.Is(err):
		pin = AccountPin{
			Metadata: &weave.Metadata{Schema: 1},
			Count:    1,
		}
	default:
		return errors.Wrap(err, "cannot load account pin")
	}
	if _, err := b.Put(db, addr, &pin); err != nil {
		return errors.Wrap(err, "cannot store account pin")
	}
	return nil
}

func unpinAccount(db weave.KVStore, b orm.ModelBucket, addr weave.Address) error {
	var pin AccountPin
	if err := b.One(db, addr, &pin); err != nil {
		return errors.Wrap(err, "cannot load account pin")
	}
	if pin.Count <= 1 {
		return b.Delete(db, addr)
	}
	pin.Count--
	if _, err := b.Put(db, addr, &pin); err != nil {
		return errors.Wrap(err, "cannot store account pin")
	}
	return nil
}
