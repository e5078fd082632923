// Package async provides panic-safe background execution and bounded fan-out.
//
// SafeGo replaces bare go statements for fire-and-forget work such as
// publishing invoice documents after a committed billing transaction.
// Batch runs a function over a slice with an errgroup concurrency limit and
// a per-item timeout; the dispatch worker uses it to deliver a claimed page
// of queue entries.
package async
