// Package clock abstracts time for the messaging stack. Components that
// schedule timeouts or measure age take a Clock instead of calling the time
// package directly. Real() is backed by the time package, Fake() only moves
// when a test calls Advance.
package clock
