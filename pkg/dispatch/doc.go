// Package dispatch queues generated invoice and statement documents for
// email delivery and drives them through delivery attempts.
//
// Entries start pending. A delivery marks them sent, or failed with the
// attempt counter, last error and the next attempt time. Failed entries
// with attempts left become deliverable again once that time passes;
// exhausted entries wait for an operator reset through Queue.Reset or
// Queue.ResetFailed.
//
// Delivery is at least once. The queue is independent of billing and
// shares no locks with it.
package dispatch
