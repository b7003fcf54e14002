// Package ctxreg implements the ambient-context mechanism by which
// in-scope code locates "its" log record without threading it through
// every call. A Backend supplies one storage slot per execution context
// ("get the current record stack", "replace it"); Registry builds the
// begin/finish stack discipline on top of whichever Backend is configured.
package ctxreg

// Backend is the pluggable mechanism associating a value (in practice, a
// stack of *record.Record) with "the calling execution context". A Set in
// execution context X must be visible to a subsequent Get in the same X,
// and to no other context.
type Backend interface {
	Get() (any, bool)
	Set(value any)
}
