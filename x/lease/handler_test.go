package lease

import (
	"context"
	"testing"

	weave "github.com/iov-one/weave"
	"github.com/iov-one/weave/app"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/gconf"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
	"github.com/iov-one/weave/store"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/weavetest/assert"
	"github.com/iov-one/weave/x/cash"
)

func TestRegisterLease(t *testing.T) {
	var (
		creator = weavetest.NewCondition()
		alice   = weavetest.NewCondition().Address()
		bob     = weavetest.NewCondition().Address()
	)

	env := newTestEnv(t)
	env.crowdloans.loan = &Crowdloan{
		ID:                weavetest.SequenceID(1),
		Creator:           creator.Address(),
		FundsAccount:      env.fundsAccount,
		Raised:            1000,
		ContributorsCount: 2,
	}
	env.crowdloans.contribs = []Contribution{
		{Contributor: alice, Amount: 300},
		{Contributor: bob, Amount: 700},
	}
	env.mint(t, env.fundsAccount, 1000)
	env.subnets.cost = 150

	msg := &RegisterLeaseMsg{
		Metadata:       &weave.Metadata{Schema: 1},
		EmissionsShare: 30,
		EndBlock:       1000,
	}
	res, err := env.rt.Deliver(env.ctx(100, creator), env.db, &weavetest.Tx{Msg: msg})
	assert.Nil(t, err)
	leaseID := res.Data
	assert.Equal(t, weavetest.SequenceID(1), leaseID)

	// 150 tokens were spent on the subnet registration, the remaining
	// 850 are refunded in proportion, rounded down. There is nothing
	// left over for the beneficiary.
	env.assertBalance(t, alice, 255)
	env.assertBalance(t, bob, 595)
	env.assertBalance(t, creator.Address(), 0)
	env.assertBalance(t, CustodyAccount(leaseID), 0)
	env.assertBalance(t, env.fundsAccount, 0)

	var l SubnetLease
	assert.Nil(t, env.leases.One(env.db, leaseID, &l))
	assert.Equal(t, creator.Address(), l.Beneficiary)
	assert.Equal(t, CustodyAccount(leaseID), l.Custody)
	assert.Equal(t, OperatorAccount(leaseID), l.Operator)
	assert.Equal(t, uint32(30), l.EmissionsShare)
	assert.Equal(t, int64(1000), l.EndBlock)
	assert.Equal(t, uint64(1), l.SubnetID)
	assert.Equal(t, int64(150), l.Cost)

	env.assertShare(t, leaseID, alice, 300, 1000)
	env.assertShare(t, leaseID, bob, 700, 1000)

	// Both holding accounts are pinned once.
	var pin AccountPin
	assert.Nil(t, env.pins.One(env.db, CustodyAccount(leaseID), &pin))
	assert.Equal(t, uint32(1), pin.Count)
	assert.Nil(t, env.pins.One(env.db, OperatorAccount(leaseID), &pin))
	assert.Equal(t, uint32(1), pin.Count)

	if !env.proxies.granted(CustodyAccount(leaseID), creator.Address()) {
		t.Fatal("beneficiary has no proxy over the custody account")
	}
	if owner := env.subnets.owner(1); !owner.Equals(CustodyAccount(leaseID)) {
		t.Fatalf("subnet is owned by %s", owner)
	}
}

func TestRegisterLeaseBeneficiaryContribution(t *testing.T) {
	var (
		creator = weavetest.NewCondition()
		alice   = weavetest.NewCondition().Address()
		bob     = weavetest.NewCondition().Address()
	)

	env := newTestEnv(t)
	env.crowdloans.loan = &Crowdloan{
		ID:                weavetest.SequenceID(1),
		Creator:           creator.Address(),
		FundsAccount:      env.fundsAccount,
		Raised:            1000,
		ContributorsCount: 3,
	}
	env.crowdloans.contribs = []Contribution{
		{Contributor: alice, Amount: 300},
		{Contributor: bob, Amount: 600},
		{Contributor: creator.Address(), Amount: 100},
	}
	env.mint(t, env.fundsAccount, 1000)
	env.subnets.cost = 150

	msg := &RegisterLeaseMsg{
		Metadata:       &weave.Metadata{Schema: 1},
		EmissionsShare: 30,
		EndBlock:       1000,
	}
	res, err := env.rt.Deliver(env.ctx(100, creator), env.db, &weavetest.Tx{Msg: msg})
	assert.Nil(t, err)
	leaseID := res.Data

	// The beneficiary receives the remainder after all rounded down
	// refunds, instead of a proportional refund.
	env.assertBalance(t, alice, 255)
	env.assertBalance(t, bob, 510)
	env.assertBalance(t, creator.Address(), 85)
	env.assertBalance(t, CustodyAccount(leaseID), 0)

	// The beneficiary contribution does not create a dividend share.
	var s LeaseShare
	err = env.shares.One(env.db, shareKey(leaseID, creator.Address()), &s)
	if !errors.ErrNotFound.Is(err) {
		t.Fatalf("want no beneficiary share, got %q", err)
	}
	env.assertShare(t, leaseID, alice, 300, 1000)
	env.assertShare(t, leaseID, bob, 600, 1000)
}

func TestRegisterLeaseCostIncludesProxySetup(t *testing.T) {
	var (
		creator = weavetest.NewCondition()
		alice   = weavetest.NewCondition().Address()
		bob     = weavetest.NewCondition().Address()
	)

	env := newTestEnv(t)
	env.crowdloans.loan = &Crowdloan{
		ID:                weavetest.SequenceID(1),
		Creator:           creator.Address(),
		FundsAccount:      env.fundsAccount,
		Raised:            1000,
		ContributorsCount: 2,
	}
	env.crowdloans.contribs = []Contribution{
		{Contributor: alice, Amount: 300},
		{Contributor: bob, Amount: 700},
	}
	env.mint(t, env.fundsAccount, 1000)
	env.subnets.cost = 150
	env.proxies.cost = 50

	msg := &RegisterLeaseMsg{
		Metadata:       &weave.Metadata{Schema: 1},
		EmissionsShare: 30,
		EndBlock:       1000,
	}
	res, err := env.rt.Deliver(env.ctx(100, creator), env.db, &weavetest.Tx{Msg: msg})
	assert.Nil(t, err)
	leaseID := res.Data

	// The proxy setup fee is part of the lease cost and is observed
	// before the refunds are computed, so only 800 tokens remain to be
	// shared.
	var l SubnetLease
	assert.Nil(t, env.leases.One(env.db, leaseID, &l))
	assert.Equal(t, int64(200), l.Cost)

	env.assertBalance(t, alice, 240)
	env.assertBalance(t, bob, 560)
	env.assertBalance(t, creator.Address(), 0)
	env.assertBalance(t, CustodyAccount(leaseID), 0)
}

func TestRegisterLeaseFailures(t *testing.T) {
	var (
		creator  = weavetest.NewCondition()
		stranger = weavetest.NewCondition()
		alice    = weavetest.NewCondition().Address()
	)

	cases := map[string]struct {
		setup      func(env *testEnv)
		conditions []weave.Condition
		height     int64
		msg        *RegisterLeaseMsg
		// checkOK marks failures that only the delivery can detect.
		checkOK bool
		wantErr *errors.Error
	}{
		"no finalizing crowdloan": {
			setup: func(env *testEnv) {
				env.crowdloans.loan = nil
			},
			conditions: []weave.Condition{creator},
			height:     100,
			msg: &RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
			wantErr: ErrNoFinalizingCrowdloan,
		},
		"signer is not the crowdloan creator": {
			setup:      func(env *testEnv) {},
			conditions: []weave.Condition{stranger},
			height:     100,
			msg: &RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
			wantErr: ErrInvalidBeneficiary,
		},
		"end block at current height": {
			setup:      func(env *testEnv) {},
			conditions: []weave.Condition{creator},
			height:     1000,
			msg: &RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
			wantErr: ErrEndBlockPast,
		},
		"end block in the past": {
			setup:      func(env *testEnv) {},
			conditions: []weave.Condition{creator},
			height:     2000,
			msg: &RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
			wantErr: ErrEndBlockPast,
		},
		"registration does not produce a subnet": {
			setup: func(env *testEnv) {
				env.subnets.noSubnet = true
			},
			conditions: []weave.Condition{creator},
			height:     100,
			msg: &RegisterLeaseMsg{
				Metadata:       &weave.Metadata{Schema: 1},
				EmissionsShare: 30,
				EndBlock:       1000,
			},
			checkOK: true,
			wantErr: ErrSubnetNotFound,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			env := newTestEnv(t)
			env.crowdloans.loan = &Crowdloan{
				ID:                weavetest.SequenceID(1),
				Creator:           creator.Address(),
				FundsAccount:      env.fundsAccount,
				Raised:            1000,
				ContributorsCount: 1,
			}
			env.crowdloans.contribs = []Contribution{
				{Contributor: alice, Amount: 1000},
			}
			env.mint(t, env.fundsAccount, 1000)
			tc.setup(env)

			ctx := env.ctx(tc.height, tc.conditions...)
			tx := &weavetest.Tx{Msg: tc.msg}

			cache := env.db.CacheWrap()
			_, err := env.rt.Check(ctx, cache, tx)
			if tc.checkOK {
				if err != nil {
					t.Fatalf("check: %s", err)
				}
			} else if !tc.wantErr.Is(err) {
				t.Fatalf("check: want %q error, got %q", tc.wantErr, err)
			}
			cache.Discard()

			// A failed delivery is rolled back by the savepoint
			// decorator in a deployed application.
			cache = env.db.CacheWrap()
			if _, err := env.rt.Deliver(ctx, cache, tx); !tc.wantErr.Is(err) {
				t.Fatalf("deliver: want %q error, got %q", tc.wantErr, err)
			}
			cache.Discard()

			var l SubnetLease
			if err := env.leases.One(env.db, weavetest.SequenceID(1), &l); !errors.ErrNotFound.Is(err) {
				t.Fatalf("no lease must be created, got %q", err)
			}
			env.assertBalance(t, env.fundsAccount, 1000)
		})
	}
}

func TestTerminateLease(t *testing.T) {
	var (
		creator  = weavetest.NewCondition()
		alice    = weavetest.NewCondition().Address()
		bob      = weavetest.NewCondition().Address()
		operator = weavetest.NewCondition().Address()
	)

	setup := func(t *testing.T, endBlock int64) (*testEnv, []byte) {
		t.Helper()
		env := newTestEnv(t)
		env.crowdloans.loan = &Crowdloan{
			ID:                weavetest.SequenceID(1),
			Creator:           creator.Address(),
			FundsAccount:      env.fundsAccount,
			Raised:            1000,
			ContributorsCount: 2,
		}
		env.crowdloans.contribs = []Contribution{
			{Contributor: alice, Amount: 300},
			{Contributor: bob, Amount: 700},
		}
		env.mint(t, env.fundsAccount, 1000)
		env.subnets.cost = 150
		env.subnets.identities[operator.String()] = creator.Address()

		msg := &RegisterLeaseMsg{
			Metadata:       &weave.Metadata{Schema: 1},
			EmissionsShare: 30,
			EndBlock:       endBlock,
		}
		res, err := env.rt.Deliver(env.ctx(100, creator), env.db, &weavetest.Tx{Msg: msg})
		assert.Nil(t, err)
		return env, res.Data
	}

	t.Run("lease is dissolved and the subnet handed over", func(t *testing.T) {
		env, leaseID := setup(t, 1000)

		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  leaseID,
			Operator: operator,
		}
		_, err := env.rt.Deliver(env.ctx(1000, creator), env.db, &weavetest.Tx{Msg: msg})
		assert.Nil(t, err)

		var l SubnetLease
		if err := env.leases.One(env.db, leaseID, &l); !errors.ErrNotFound.Is(err) {
			t.Fatalf("lease must be deleted, got %q", err)
		}
		var res []LeaseShare
		keys, err := env.shares.ByIndex(env.db, "lease", leaseID, &res)
		assert.Nil(t, err)
		if len(keys) != 0 {
			t.Fatalf("shares must be cleared, %d left", len(keys))
		}
		var pin AccountPin
		if err := env.pins.One(env.db, CustodyAccount(leaseID), &pin); !errors.ErrNotFound.Is(err) {
			t.Fatalf("custody pin must be released, got %q", err)
		}
		if err := env.pins.One(env.db, OperatorAccount(leaseID), &pin); !errors.ErrNotFound.Is(err) {
			t.Fatalf("operator pin must be released, got %q", err)
		}
		if env.proxies.granted(CustodyAccount(leaseID), creator.Address()) {
			t.Fatal("proxy must be revoked")
		}
		if owner := env.subnets.owner(1); !owner.Equals(creator.Address()) {
			t.Fatalf("subnet must be owned by the beneficiary, owned by %s", owner)
		}
	})

	t.Run("unknown lease", func(t *testing.T) {
		env, _ := setup(t, 1000)

		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  weavetest.SequenceID(666),
			Operator: operator,
		}
		_, err := env.rt.Deliver(env.ctx(1000, creator), env.db, &weavetest.Tx{Msg: msg})
		if !ErrLeaseNotFound.Is(err) {
			t.Fatalf("want lease not found, got %q", err)
		}
	})

	t.Run("only the beneficiary can terminate", func(t *testing.T) {
		env, leaseID := setup(t, 1000)

		stranger := weavetest.NewCondition()
		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  leaseID,
			Operator: operator,
		}
		_, err := env.rt.Deliver(env.ctx(1000, stranger), env.db, &weavetest.Tx{Msg: msg})
		if !ErrNotBeneficiary.Is(err) {
			t.Fatalf("want not beneficiary, got %q", err)
		}
		var l SubnetLease
		assert.Nil(t, env.leases.One(env.db, leaseID, &l))
	})

	t.Run("perpetual lease cannot be terminated", func(t *testing.T) {
		env, leaseID := setup(t, 0)

		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  leaseID,
			Operator: operator,
		}
		_, err := env.rt.Deliver(env.ctx(9999999, creator), env.db, &weavetest.Tx{Msg: msg})
		if !ErrNoEndBlock.Is(err) {
			t.Fatalf("want no end block, got %q", err)
		}
	})

	t.Run("lease cannot be terminated before the end block", func(t *testing.T) {
		env, leaseID := setup(t, 1000)

		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  leaseID,
			Operator: operator,
		}
		_, err := env.rt.Deliver(env.ctx(999, creator), env.db, &weavetest.Tx{Msg: msg})
		if !ErrLeaseNotEnded.Is(err) {
			t.Fatalf("want lease not ended, got %q", err)
		}
	})

	t.Run("operator must be owned by the beneficiary", func(t *testing.T) {
		env, leaseID := setup(t, 1000)

		msg := &TerminateLeaseMsg{
			Metadata: &weave.Metadata{Schema: 1},
			LeaseID:  leaseID,
			Operator: weavetest.NewCondition().Address(),
		}
		_, err := env.rt.Deliver(env.ctx(1000, creator), env.db, &weavetest.Tx{Msg: msg})
		if !ErrOperatorNotOwned.Is(err) {
			t.Fatalf("want operator not owned, got %q", err)
		}
	})
}

// testEnv wires the lease handlers with a cash controller and in-memory
// stand-ins for the external subsystems.
type testEnv struct {
	db           store.CacheableKVStore
	rt           *app.Router
	auth         *weavetest.CtxAuth
	ctrl         cash.BaseController
	crowdloans   *testCrowdloans
	subnets      *testSubnets
	proxies      *testProxies
	fundsAccount weave.Address

	leases    orm.ModelBucket
	shares    orm.ModelBucket
	dividends orm.ModelBucket
	pins      orm.ModelBucket
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()

	db := store.MemStore()
	migration.MustInitPkg(db, "cash", "lease")

	conf := Configuration{
		Metadata:             &weave.Metadata{Schema: 1},
		Ticker:               "IOV",
		MaxContributors:      100,
		DistributionInterval: 10,
	}
	if err := gconf.Save(db, "lease", &conf); err != nil {
		t.Fatalf("cannot save configuration: %s", err)
	}

	ctrl := cash.NewController(cash.NewBucket())
	crowdloans := &testCrowdloans{}
	subnets := newTestSubnets(ctrl, "IOV")
	proxies := newTestProxies(ctrl, "IOV")

	rt := app.NewRouter()
	auth := &weavetest.CtxAuth{Key: "auth"}
	RegisterRoutes(rt, auth, ctrl, crowdloans, subnets, proxies)

	return &testEnv{
		db:           db,
		rt:           rt,
		auth:         auth,
		ctrl:         ctrl,
		crowdloans:   crowdloans,
		subnets:      subnets,
		proxies:      proxies,
		fundsAccount: weavetest.NewCondition().Address(),
		leases:       NewLeaseBucket(),
		shares:       NewShareBucket(),
		dividends:    NewDividendBucket(),
		pins:         NewPinBucket(),
	}
}

func (env *testEnv) ctx(height int64, conditions ...weave.Condition) weave.Context {
	ctx := weave.WithHeight(context.Background(), height)
	ctx = weave.WithChainID(ctx, "testchain-123")
	return env.auth.SetConditions(ctx, conditions...)
}

func (env *testEnv) mint(t testing.TB, addr weave.Address, amount int64) {
	t.Helper()
	if err := env.ctrl.CoinMint(env.db, addr, coin.NewCoin(amount, 0, "IOV")); err != nil {
		t.Fatalf("cannot mint %d to %s: %s", amount, addr, err)
	}
}

func (env *testEnv) assertBalance(t testing.TB, addr weave.Address, want int64) {
	t.Helper()
	got, err := tickerBalance(env.db, env.ctrl, addr, "IOV")
	if err != nil {
		t.Fatalf("cannot get %s balance: %s", addr, err)
	}
	if got != want {
		t.Fatalf("want %s balance %d, got %d", addr, want, got)
	}
}

func (env *testEnv) assertShare(t testing.TB, leaseID []byte, contributor weave.Address, num, den uint64) {
	t.Helper()
	var s LeaseShare
	if err := env.shares.One(env.db, shareKey(leaseID, contributor), &s); err != nil {
		t.Fatalf("cannot get %s share: %s", contributor, err)
	}
	want, err := NewFrac(num, den)
	if err != nil {
		t.Fatalf("cannot create fraction: %s", err)
	}
	got, err := FracFromBytes(s.Share)
	if err != nil {
		t.Fatalf("cannot parse share: %s", err)
	}
	if got != want {
		t.Fatalf("want %s share %v, got %v", contributor, want, got)
	}
}

type testCrowdloans struct {
	loan     *Crowdloan
	contribs []Contribution
	err      error
}

func (c *testCrowdloans) FinalizingCrowdloan(weave.KVStore) (*Crowdloan, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.loan == nil {
		return nil, errors.Wrap(ErrNoFinalizingCrowdloan, "nothing is being finalized")
	}
	return c.loan, nil
}

func (c *testCrowdloans) Contributions(weave.KVStore, []byte) ([]Contribution, error) {
	return c.contribs, c.err
}

type testSubnets struct {
	ctrl   cash.BaseController
	ticker string
	// cost is deducted from the owner account on registration.
	cost int64
	sink weave.Address
	// noSubnet simulates a registration that does not result in a
	// subnet owned by the given account.
	noSubnet bool

	nextID uint64
	owners map[uint64]weave.Address
	// identities maps operator identities to the account owning them.
	identities map[string]weave.Address
}

func newTestSubnets(ctrl cash.BaseController, ticker string) *testSubnets {
	return &testSubnets{
		ctrl:       ctrl,
		ticker:     ticker,
		sink:       weavetest.NewCondition().Address(),
		owners:     make(map[uint64]weave.Address),
		identities: make(map[string]weave.Address),
	}
}

func (s *testSubnets) Register(db weave.KVStore, owner, operator weave.Address) error {
	if s.cost > 0 {
		fee := coin.NewCoin(s.cost, 0, s.ticker)
		if err := s.ctrl.MoveCoins(db, owner, s.sink, fee); err != nil {
			return err
		}
	}
	if s.noSubnet {
		return nil
	}
	s.nextID++
	s.owners[s.nextID] = owner
	return nil
}

func (s *testSubnets) FindByOwner(db weave.KVStore, owner weave.Address) (uint64, error) {
	for id, o := range s.owners {
		if o.Equals(owner) {
			return id, nil
		}
	}
	return 0, errors.Wrap(errors.ErrNotFound, "no subnet")
}

func (s *testSubnets) SetOwner(db weave.KVStore, subnetID uint64, owner, operator weave.Address) error {
	if _, ok := s.owners[subnetID]; !ok {
		return errors.Wrap(errors.ErrNotFound, "no subnet")
	}
	s.owners[subnetID] = owner
	return nil
}

func (s *testSubnets) OwnsOperator(db weave.KVStore, owner, operator weave.Address) bool {
	acct, ok := s.identities[operator.String()]
	return ok && acct.Equals(owner)
}

func (s *testSubnets) owner(subnetID uint64) weave.Address {
	return s.owners[subnetID]
}

type testProxies struct {
	ctrl   cash.BaseController
	ticker string
	// cost is deducted from the account on grant.
	cost   int64
	sink   weave.Address
	grants map[string]bool
}

func newTestProxies(ctrl cash.BaseController, ticker string) *testProxies {
	return &testProxies{
		ctrl:   ctrl,
		ticker: ticker,
		sink:   weavetest.NewCondition().Address(),
		grants: make(map[string]bool),
	}
}

func proxyKey(account, proxy weave.Address) string {
	return account.String() + "/" + proxy.String()
}

func (p *testProxies) Grant(db weave.KVStore, account, proxy weave.Address) error {
	if p.cost > 0 {
		fee := coin.NewCoin(p.cost, 0, p.ticker)
		if err := p.ctrl.MoveCoins(db, account, p.sink, fee); err != nil {
			return err
		}
	}
	p.grants[proxyKey(account, proxy)] = true
	return nil
}

func (p *testProxies) Revoke(db weave.KVStore, account, proxy weave.Address) error {
	delete(p.grants, proxyKey(account, proxy))
	return nil
}

func (p *testProxies) granted(account, proxy weave.Address) bool {
	return p.grants[proxyKey(account, proxy)]
}
