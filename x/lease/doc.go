/*
Package lease implements revenue sharing leases over subnets.

A lease is created from a finalized crowdloan. The pooled funds are used
to register a subnet on behalf of the crowdloan creator (the beneficiary)
and the unspent remainder is refunded to the contributors in proportion
to their contribution. While the lease is active, the subnet owner cut is
split between the beneficiary and the contributors according to the same
proportions.

The subnet is held by two keyless accounts derived from the lease id. The
custody account owns the subnet registration and the crowdloan funds, the
operator account is the subnet operating identity. The beneficiary
operates the subnet through a proxy authorization over the custody
account and, for leases with an end block, takes direct ownership once
the lease is terminated.

Crowdloan bookkeeping, subnet registration, proxy management and the
stake/swap machinery are external to this package and consumed through
narrow interfaces declared next to the handlers.
*/
package lease
