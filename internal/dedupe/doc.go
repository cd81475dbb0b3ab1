// Package dedupe provides a bounded, time-limited set of seen message ids.
// The handler uses it to process each message id once; the identity verifier
// uses a second instance as its replay window.
package dedupe
