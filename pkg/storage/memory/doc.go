// Package memory is an in-process implementation of the billing, dispatch
// and settlement stores.
//
// A single mutex serializes every operation. Transactions run against a copy
// of the state that replaces the live state only when the callback returns
// nil, so a failed account leaves nothing behind. It backs the package tests
// and single-node demos; production deployments use pkg/storage/postgres.
package memory
