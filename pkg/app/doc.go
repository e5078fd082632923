// Package app wires the billing components from a config.Config.
//
// The persistence backend is postgres or the in-process memory store, the
// lease provider is redis or, without a redis URL, an in-process locker, and
// rendered documents go to a directory or an S3 bucket. Every binary builds
// an App and calls Close on exit.
package app
