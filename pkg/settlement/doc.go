// Package settlement drives payment intents through an external gateway.
//
// Intents follow a bounded-retry state machine:
//
//	PENDING -> QUEUED -> PROCESSING -> PAID
//	                               \-> FAILED
//	                               \-> API_RETRY -> QUEUED
//
// PAID and FAILED are terminal. A tick holds a single global lease, so only
// one worker instance calls the gateway at a time, and each intent is
// claimed from QUEUED to PROCESSING before its call so it is charged at
// most once per claim. Transient gateway failures retry with exponential
// backoff until MaxAttempts calls have been made; a decline fails at once.
// A successful charge marks the intent PAID and applies the payment to the
// ledger in one transaction.
package settlement
