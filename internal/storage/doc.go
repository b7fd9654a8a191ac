// Package storage is the gateway's operational ledger: an append-oriented
// record of dispatch outcomes plus TTL-bounded idempotency keys for the
// ingress. It is an audit trail, not dispatch durability; armed timers are
// not re-created after a restart.
package storage
