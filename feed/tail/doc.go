// Package tail follows the log output of a single container and emits
// parsed line events. Each line is checked for a leading RFC 3339
// timestamp token, which is stripped from the text and used as the
// event time; lines without one are stamped with the local receipt
// time.
package tail
