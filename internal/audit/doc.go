// Package audit records the outcome of every render invocation.
//
// The log is append-only: a Record is copied on Append and never mutated
// afterwards. Readers always receive copies.
package audit
