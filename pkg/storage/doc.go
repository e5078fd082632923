// Package storage groups the persistence backends behind the billing,
// dispatch and settlement store interfaces.
//
// The memory package keeps every table in process and backs tests and
// single-process development. The postgres package is the production
// backend: account transactions take SELECT ... FOR UPDATE on the account
// row, instrument consumption and payment intent transitions are guarded
// updates checked by affected row count, and workers claim intents with
// FOR UPDATE SKIP LOCKED.
package storage
