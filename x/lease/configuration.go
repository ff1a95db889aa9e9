package lease

import (
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/gconf"
	"github.com/iov-one/weave/migration"
)

func init() {
	migration.MustRegister(1, &Configuration{}, migration.NoModification)
}

func (c *Configuration) Validate() error {
	if err := c.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	// owner field is optional
	if len(c.Owner) != 0 {
		if err := c.Owner.Validate(); err != nil {
			return errors.Wrap(err, "owner address")
		}
	}
	if !coin.IsCC(c.Ticker) {
		return errors.Wrapf(errors.ErrState, "invalid ticker %q", c.Ticker)
	}
	if c.MaxContributors == 0 {
		return errors.Wrap(errors.ErrState, "max contributors must be positive")
	}
	if c.DistributionInterval < 0 {
		return errors.Wrap(errors.ErrState, "distribution interval cannot be negative")
	}
	return nil
}

func loadConf(db gconf.Store) (Configuration, error) {
	var conf Configuration
	if err := gconf.Load(db, "lease", &conf); err != nil {
		return conf, errors.Wrap(err, "load configuration")
	}
	return conf, nil
}
