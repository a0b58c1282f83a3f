// Package event defines the domain event model shared by the store, the
// projection router and the bootstrap saga.
//
// An Event is one row of the append-only log. It belongs to exactly one
// stream (StreamType + StreamID) and carries a StreamVersion that starts at 1
// and increases by exactly one per append. Seq is the global log position and
// is the only ordering used for replay.
//
// Payloads (Data) are stored as canonical JSON: object keys sorted, strings
// NFC-normalized, HTML characters left unescaped, floats and nulls rejected.
// Optional fields are expressed by omission, never by null, which is what
// lets coalesce-style projection fields tell "not supplied" from "cleared".
package event
