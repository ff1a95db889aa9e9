package lease

import (
	"fmt"
	"math"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/orm"
	"github.com/tendermint/tendermint/libs/log"
)

// StakeController is the staking machinery of the subnet, maintained
// outside of this package. Unstake converts native subnet units held by
// the account into settlement tokens at no less than the pool minimum
// price and credits the proceeds to the same account.
type StakeController interface {
	ValidateUnstake(db weave.KVStore, account weave.Address, subnetID uint64, amount int64) error
	Unstake(db weave.KVStore, account weave.Address, subnetID uint64, amount int64) (coin.Coin, error)
}

// DividendController pays out the shared part of the subnet owner cut.
// It is driven by the emission process and not by transactions, so it
// must never abort a block. Anything that prevents a payout is logged
// and the pending amount is carried over to a later call. Only storage
// failures are returned as errors.
type DividendController struct {
	leases    orm.ModelBucket
	shares    orm.ModelBucket
	dividends orm.ModelBucket
	ctrl      CashController
	stake     StakeController
	log       log.Logger
}

// NewDividendController returns a controller paying dividends through
// the given cash and stake collaborators. A nil logger silences the
// controller.
func NewDividendController(ctrl CashController, stake StakeController, logger log.Logger) *DividendController {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &DividendController{
		leases:    NewLeaseBucket(),
		shares:    NewShareBucket(),
		dividends: NewDividendBucket(),
		ctrl:      ctrl,
		stake:     stake,
		log:       logger,
	}
}

// Distribute processes the owner cut of a single accounting interval,
// given in native subnet units. The shared part is accumulated and,
// on a payout boundary, converted into settlement tokens and split
// between the contributors and the beneficiary.
//
// A missing lease and a lease past its end block are no-ops. In the
// latter case the cut stays with the custody stake position untouched.
func (c *DividendController) Distribute(ctx weave.Context, db weave.KVStore, leaseID []byte, ownerCut int64) error {
	var l SubnetLease
	switch err := c.leases.One(db, leaseID, &l); {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		return nil
	default:
		return errors.Wrap(err, "cannot load lease")
	}
	height, _ := weave.GetHeight(ctx)
	if l.EndBlock != 0 && height >= l.EndBlock {
		return nil
	}

	conf, err := loadConf(db)
	if err != nil {
		return err
	}

	pending, err := c.pendingAmount(db, leaseID, l.EmissionsShare, ownerCut)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	if conf.DistributionInterval <= 0 {
		c.log.Error("dividend distribution interval not configured",
			"lease", fmt.Sprintf("%x", leaseID))
		return c.carryOver(db, leaseID, pending)
	}
	if height%conf.DistributionInterval != 0 {
		return c.carryOver(db, leaseID, pending)
	}

	if err := c.stake.ValidateUnstake(db, l.Custody, l.SubnetID, pending); err != nil {
		c.log.Info("dividend payout deferred",
			"lease", fmt.Sprintf("%x", leaseID), "err", err)
		return c.carryOver(db, leaseID, pending)
	}
	proceeds, err := c.stake.Unstake(db, l.Custody, l.SubnetID, pending)
	if err != nil {
		c.log.Info("dividend payout deferred",
			"lease", fmt.Sprintf("%x", leaseID), "err", err)
		return c.carryOver(db, leaseID, pending)
	}

	if err := c.payout(db, leaseID, &l, proceeds); err != nil {
		return err
	}
	return c.carryOver(db, leaseID, 0)
}

// pendingAmount adds the shared part of the current cut to the carried
// over amount. The shared part is rounded up so that rounding never
// favours the beneficiary. The sum saturates instead of overflowing.
func (c *DividendController) pendingAmount(db weave.KVStore, leaseID []byte, share uint32, ownerCut int64) (int64, error) {
	var acc AccumulatedDividends
	switch err := c.dividends.One(db, leaseID, &acc); {
	case err == nil:
	case errors.ErrNotFound.Is(err):
		acc.Amount = 0
	default:
		return 0, errors.Wrap(err, "cannot load accumulated dividends")
	}

	var cut int64
	if ownerCut > 0 && share > 0 {
		frac, err := NewFrac(uint64(share), 100)
		if err != nil {
			return 0, err
		}
		raw, err := frac.MulCeil(uint64(ownerCut))
		if err != nil || raw > math.MaxInt64 {
			return math.MaxInt64, nil
		}
		cut = int64(raw)
	}
	if acc.Amount > math.MaxInt64-cut {
		return math.MaxInt64, nil
	}
	return acc.Amount + cut, nil
}

func (c *DividendController) carryOver(db weave.KVStore, leaseID []byte, amount int64) error {
	acc := AccumulatedDividends{
		Metadata: &weave.Metadata{Schema: 1},
		Amount:   amount,
	}
	if _, err := c.dividends.Put(db, leaseID, &acc); err != nil {
		return errors.Wrap(err, "cannot store accumulated dividends")
	}
	return nil
}

// payout splits the unstake proceeds between the contributors according
// to their shares. Each contributor payment is rounded down and the
// beneficiary receives the exact remainder, so the custody account
// keeps none of the proceeds.
func (c *DividendController) payout(db weave.KVStore, leaseID []byte, l *SubnetLease, proceeds coin.Coin) error {
	if proceeds.Whole <= 0 {
		return nil
	}
	var shares []LeaseShare
	if _, err := c.shares.ByIndex(db, "lease", leaseID, &shares); err != nil {
		return errors.Wrap(err, "cannot list shares")
	}

	var paid int64
	for i := range shares {
		frac, err := FracFromBytes(shares[i].Share)
		if err != nil {
			return errors.Wrap(err, "corrupted share")
		}
		amount, err := frac.MulFloor(uint64(proceeds.Whole))
		if err != nil {
			return errors.Wrap(err, "contributor dividend")
		}
		if amount == 0 {
			continue
		}
		payment := coin.NewCoin(int64(amount), 0, proceeds.Ticker)
		if err := c.ctrl.MoveCoins(db, l.Custody, shares[i].Contributor, payment); err != nil {
			return errors.Wrap(err, "cannot pay contributor")
		}
		paid += int64(amount)
	}
	if rest := proceeds.Whole - paid; rest > 0 {
		payment := coin.NewCoin(rest, 0, proceeds.Ticker)
		if err := c.ctrl.MoveCoins(db, l.Custody, l.Beneficiary, payment); err != nil {
			return errors.Wrap(err, "cannot pay beneficiary")
		}
	}
	return nil
}
