package lease

import (
	"encoding/binary"
	"fmt"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/gconf"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
	"github.com/iov-one/weave/x"
	"github.com/tendermint/tendermint/libs/common"
)

const (
	registerLeaseCost           = 500
	registerPerContributorCost  = 10
	terminateLeaseCost          = 200
	terminatePerContributorCost = 5
)

// RegisterQuery registers lease buckets for querying.
func RegisterQuery(qr weave.QueryRouter) {
	NewLeaseBucket().Register("leases", qr)
	NewShareBucket().Register("leaseshares", qr)
	NewDividendBucket().Register("leasedividends", qr)
}

// CashController allows to manage coins stored by the accounts without the
// need to directly access the bucket.
// Required functionality is implemented by the x/cash extension.
type CashController interface {
	Balance(weave.KVStore, weave.Address) (coin.Coins, error)
	MoveCoins(weave.KVStore, weave.Address, weave.Address, coin.Coin) error
}

// Crowdloan is the crowdloan state that lease registration relies on.
type Crowdloan struct {
	ID      []byte
	Creator weave.Address
	// FundsAccount holds the pooled contributions.
	FundsAccount weave.Address
	// Raised is the sum of all contributions in whole settlement token
	// units.
	Raised            int64
	ContributorsCount uint32
}

// Contribution is a single deposit into a crowdloan.
type Contribution struct {
	Contributor weave.Address
	Amount      int64
}

// CrowdloanController gives read access to crowdloan bookkeeping, which
// is maintained outside of this package. FinalizingCrowdloan returns
// the crowdloan that is currently being finalized, or a failure wrapping
// ErrNoFinalizingCrowdloan when called outside of a finalization.
type CrowdloanController interface {
	FinalizingCrowdloan(weave.KVStore) (*Crowdloan, error)
	Contributions(weave.KVStore, []byte) ([]Contribution, error)
}

// SubnetRegistrar manages the subnet registry, which is maintained
// outside of this package. Register creates a new subnet owned by the
// given account and deducts the registration cost from that account.
type SubnetRegistrar interface {
	Register(db weave.KVStore, owner, operator weave.Address) error
	FindByOwner(db weave.KVStore, owner weave.Address) (uint64, error)
	SetOwner(db weave.KVStore, subnetID uint64, owner, operator weave.Address) error
	OwnsOperator(db weave.KVStore, owner, operator weave.Address) bool
}

// ProxyAuthority manages delegated control over accounts.
type ProxyAuthority interface {
	Grant(db weave.KVStore, account, proxy weave.Address) error
	Revoke(db weave.KVStore, account, proxy weave.Address) error
}

// RegisterRoutes registers handlers for lease message processing.
func RegisterRoutes(
	r weave.Registry,
	auth x.Authenticator,
	ctrl CashController,
	crowdloans CrowdloanController,
	subnets SubnetRegistrar,
	proxies ProxyAuthority,
) {
	r = migration.SchemaMigratingRegistry("lease", r)
	leases := NewLeaseBucket()
	shares := NewShareBucket()
	dividends := NewDividendBucket()
	pins := NewPinBucket()

	r.Handle(&RegisterLeaseMsg{}, &registerLeaseHandler{
		auth:       auth,
		ctrl:       ctrl,
		crowdloans: crowdloans,
		subnets:    subnets,
		proxies:    proxies,
		leases:     leases,
		shares:     shares,
		pins:       pins,
	})
	r.Handle(&TerminateLeaseMsg{}, &terminateLeaseHandler{
		auth:      auth,
		subnets:   subnets,
		proxies:   proxies,
		leases:    leases,
		shares:    shares,
		dividends: dividends,
		pins:      pins,
	})
	r.Handle(&UpdateConfigurationMsg{}, gconf.NewUpdateConfigurationHandler(
		"lease", &Configuration{}, auth, migration.CurrentAdmin))
}

type registerLeaseHandler struct {
	auth       x.Authenticator
	ctrl       CashController
	crowdloans CrowdloanController
	subnets    SubnetRegistrar
	proxies    ProxyAuthority
	leases     orm.ModelBucket
	shares     orm.ModelBucket
	pins       orm.ModelBucket
}

func (h *registerLeaseHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	_, loan, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	res := weave.CheckResult{
		GasAllocated: registerLeaseCost + registerPerContributorCost*int64(loan.ContributorsCount),
	}
	return &res, nil
}

func (h *registerLeaseHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, loan, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	conf, err := loadConf(db)
	if err != nil {
		return nil, err
	}

	leaseID, err := leaseSeq.NextVal(db)
	if err != nil {
		return nil, errors.Wrap(err, "cannot acquire lease id")
	}
	if int64(binary.BigEndian.Uint64(leaseID)) <= 0 {
		return nil, errors.Wrap(errors.ErrOverflow, "lease id sequence exhausted")
	}
	custody := CustodyAccount(leaseID)
	operator := OperatorAccount(leaseID)

	if err := pinAccount(db, h.pins, custody); err != nil {
		return nil, errors.Wrap(err, "pin custody account")
	}
	if err := pinAccount(db, h.pins, operator); err != nil {
		return nil, errors.Wrap(err, "pin operator account")
	}

	if loan.Raised > 0 {
		funds := coin.NewCoin(loan.Raised, 0, conf.Ticker)
		if err := h.ctrl.MoveCoins(db, loan.FundsAccount, custody, funds); err != nil {
			return nil, errors.Wrap(err, "cannot move crowdloan funds")
		}
	}

	if err := h.subnets.Register(db, custody, operator); err != nil {
		return nil, errors.Wrap(err, "cannot register subnet")
	}
	subnetID, err := h.subnets.FindByOwner(db, custody)
	switch {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		return nil, errors.Wrap(ErrSubnetNotFound, "registration did not produce a subnet")
	default:
		return nil, errors.Wrap(err, "find subnet")
	}
	if err := h.proxies.Grant(db, custody, loan.Creator); err != nil {
		return nil, errors.Wrap(err, "cannot grant proxy")
	}

	// The registration and the proxy setup deducted their costs from the
	// custody account. What is left over is refunded to the contributors.
	leftover, err := tickerBalance(db, h.ctrl, custody, conf.Ticker)
	if err != nil {
		return nil, errors.Wrap(err, "custody balance")
	}
	cost := loan.Raised - leftover

	l := &SubnetLease{
		Metadata:       &weave.Metadata{Schema: 1},
		Beneficiary:    loan.Creator,
		Custody:        custody,
		Operator:       operator,
		EmissionsShare: msg.EmissionsShare,
		EndBlock:       msg.EndBlock,
		SubnetID:       subnetID,
		Cost:           cost,
	}
	if _, err := h.leases.Put(db, leaseID, l); err != nil {
		return nil, errors.Wrap(err, "cannot store lease")
	}

	if err := h.refundAndShare(db, conf, leaseID, loan, leftover); err != nil {
		return nil, err
	}

	res := weave.DeliverResult{
		Data: leaseID,
		Tags: []common.KVPair{
			{Key: []byte("action"), Value: []byte("lease/register")},
		},
	}
	return &res, nil
}

// refundAndShare pays the unspent crowdloan funds back to the
// contributors in proportion to their contribution and persists the
// dividend share of every contributor except the beneficiary. Refunds
// are rounded down and the beneficiary absorbs the remainder, so the
// custody account holds no settlement tokens afterwards.
func (h *registerLeaseHandler) refundAndShare(db weave.KVStore, conf Configuration, leaseID []byte, loan *Crowdloan, leftover int64) error {
	if loan.Raised <= 0 {
		return nil
	}
	contribs, err := h.crowdloans.Contributions(db, loan.ID)
	if err != nil {
		return errors.Wrap(err, "cannot list contributions")
	}
	custody := CustodyAccount(leaseID)

	var refunded int64
	for _, c := range contribs {
		if c.Amount <= 0 {
			continue
		}
		if c.Contributor.Equals(loan.Creator) {
			// The beneficiary does not hold a dividend share and
			// is refunded last with whatever remains.
			continue
		}
		share, err := NewFrac(uint64(c.Amount), uint64(loan.Raised))
		if err != nil {
			return errors.Wrap(err, "contribution share")
		}
		refund, err := share.MulFloor(uint64(leftover))
		if err != nil {
			return errors.Wrap(err, "refund")
		}
		if refund > 0 {
			amount := coin.NewCoin(int64(refund), 0, conf.Ticker)
			if err := h.ctrl.MoveCoins(db, custody, c.Contributor, amount); err != nil {
				return errors.Wrap(err, "cannot refund contributor")
			}
			refunded += int64(refund)
		}
		s := &LeaseShare{
			Metadata:    &weave.Metadata{Schema: 1},
			Contributor: c.Contributor,
			Share:       share.Bytes(),
		}
		if _, err := h.shares.Put(db, shareKey(leaseID, c.Contributor), s); err != nil {
			return errors.Wrap(err, "cannot store share")
		}
	}
	if rest := leftover - refunded; rest > 0 {
		amount := coin.NewCoin(rest, 0, conf.Ticker)
		if err := h.ctrl.MoveCoins(db, custody, loan.Creator, amount); err != nil {
			return errors.Wrap(err, "cannot refund beneficiary")
		}
	}
	return nil
}

func (h *registerLeaseHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*RegisterLeaseMsg, *Crowdloan, error) {
	var msg RegisterLeaseMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	loan, err := h.crowdloans.FinalizingCrowdloan(db)
	if err != nil {
		return nil, nil, errors.Wrap(err, "finalizing crowdloan")
	}
	if !h.auth.HasAddress(ctx, loan.Creator) {
		return nil, nil, errors.Wrap(ErrInvalidBeneficiary, "crowdloan creator must sign the transaction")
	}
	if msg.EndBlock != 0 {
		height, _ := weave.GetHeight(ctx)
		if msg.EndBlock <= height {
			return nil, nil, errors.Wrapf(ErrEndBlockPast, "end block %d not after %d", msg.EndBlock, height)
		}
	}
	return &msg, loan, nil
}

type terminateLeaseHandler struct {
	auth      x.Authenticator
	subnets   SubnetRegistrar
	proxies   ProxyAuthority
	leases    orm.ModelBucket
	shares    orm.ModelBucket
	dividends orm.ModelBucket
	pins      orm.ModelBucket
}

func (h *terminateLeaseHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	conf, err := loadConf(db)
	if err != nil {
		return nil, err
	}
	res := weave.CheckResult{
		GasAllocated: terminateLeaseCost + terminatePerContributorCost*int64(conf.MaxContributors),
	}
	return &res, nil
}

func (h *terminateLeaseHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, l, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	conf, err := loadConf(db)
	if err != nil {
		return nil, err
	}

	if err := h.subnets.SetOwner(db, l.SubnetID, l.Beneficiary, msg.Operator); err != nil {
		return nil, errors.Wrap(err, "cannot hand over subnet")
	}

	// Unpinning must not undo the handover. Failures are reported in the
	// result log and the dangling pin stays behind.
	var infolog string
	if err := unpinAccount(db, h.pins, l.Custody); err != nil {
		infolog = fmt.Sprintf("cannot unpin custody account: %v", err)
	}
	if err := unpinAccount(db, h.pins, l.Operator); err != nil {
		if infolog != "" {
			infolog += "; "
		}
		infolog += fmt.Sprintf("cannot unpin operator account: %v", err)
	}

	if err := h.clearShares(db, msg.LeaseID, int(conf.MaxContributors)); err != nil {
		return nil, errors.Wrap(err, "cannot clear shares")
	}
	switch err := h.dividends.Delete(db, msg.LeaseID); {
	case err == nil, errors.ErrNotFound.Is(err):
	default:
		return nil, errors.Wrap(err, "cannot delete accumulated dividends")
	}
	if err := h.leases.Delete(db, msg.LeaseID); err != nil {
		return nil, errors.Wrap(err, "cannot delete lease")
	}
	if err := h.proxies.Revoke(db, l.Custody, l.Beneficiary); err != nil {
		return nil, errors.Wrap(err, "cannot revoke proxy")
	}

	res := weave.DeliverResult{
		Log: infolog,
		Tags: []common.KVPair{
			{Key: []byte("action"), Value: []byte("lease/terminate")},
		},
	}
	return &res, nil
}

func (h *terminateLeaseHandler) clearShares(db weave.KVStore, leaseID []byte, limit int) error {
	var shares []LeaseShare
	keys, err := h.shares.ByIndex(db, "lease", leaseID, &shares)
	if err != nil {
		return errors.Wrap(err, "cannot list shares")
	}
	for i, key := range keys {
		if i >= limit {
			break
		}
		if err := h.shares.Delete(db, key); err != nil {
			return errors.Wrap(err, "cannot delete share")
		}
	}
	return nil
}

func (h *terminateLeaseHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*TerminateLeaseMsg, *SubnetLease, error) {
	var msg TerminateLeaseMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var l SubnetLease
	switch err := h.leases.One(db, msg.LeaseID, &l); {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		return nil, nil, errors.Wrapf(ErrLeaseNotFound, "lease %x", msg.LeaseID)
	default:
		return nil, nil, errors.Wrap(err, "cannot load lease")
	}
	if !h.auth.HasAddress(ctx, l.Beneficiary) {
		return nil, nil, errors.Wrap(ErrNotBeneficiary, "beneficiary must sign the transaction")
	}
	if l.EndBlock == 0 {
		return nil, nil, errors.Wrap(ErrNoEndBlock, "perpetual lease cannot be terminated")
	}
	height, _ := weave.GetHeight(ctx)
	if height < l.EndBlock {
		return nil, nil, errors.Wrapf(ErrLeaseNotEnded, "lease ends at %d", l.EndBlock)
	}
	if !h.subnets.OwnsOperator(db, l.Beneficiary, msg.Operator) {
		return nil, nil, errors.Wrap(ErrOperatorNotOwned, "operator must belong to the beneficiary")
	}
	return &msg, &l, nil
}

// tickerBalance returns the whole unit amount of the given currency
// owned by an account. A missing wallet is a zero balance.
func tickerBalance(db weave.KVStore, ctrl CashController, addr weave.Address, ticker string) (int64, error) {
	balance, err := ctrl.Balance(db, addr)
	switch {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		return 0, nil
	default:
		return 0, errors.Wrap(err, "cannot acquire balance")
	}
	for _, c := range balance {
		if c.Ticker == ticker {
			return c.Whole, nil
		}
	}
	return 0, nil
}
