package protocol

// This package implements the wire codec for the Gatewire protocol: the
// framing, field encoding and version gating used to talk to a brokerage
// execution/data gateway over a single long-lived TCP socket.
//
// The gateway speaks a text-field protocol that predates the usual
// serialisation formats, so compatibility is bit-exact or nothing.
//
// === Connection opener
//
// A client opens a connection by writing the 4 byte magic `API\0`, followed
// by a single length-prefixed frame whose payload is the ASCII version
// window the client is prepared to speak:
//
//   ```
//     API\0
//     <4 byte big-endian length>v100..178
//   ```
//
// The gateway replies with one ordinary frame carrying two fields: its
// protocol version (an integer, which becomes the connection's immutable
// server version) and its wall-clock time, e.g. `20230405 22:20:39 PST`.
//
// === Frames
//
// After the opener, every message in either direction is one frame:
//
//   ```
//     <4 byte big-endian length><body>
//   ```
//
// The body is a sequence of fields, each terminated by a single NUL byte
// (0x00). Two adjacent NULs are an empty field, which is a legitimate
// zero-length value and not a parse error. The final field's terminator is
// always present before the frame boundary.
//
// Field 0 of every body is the numeric message type code. For many message
// types field 1 is a message-format version integer. When a message carries
// a request id it sits at a fixed, type-specific offset; the routing table
// in this package records where.
//
// === Field encoding
//
// - integers and floats are decimal ASCII
// - booleans are "0" / "1"
// - lists are a single comma-joined field (a trailing comma yields a
//   trailing empty element, which is preserved)
// - an absent optional numeric field is written as its per-field sentinel
//   value (for example math.MaxInt32 or math.MaxFloat64); the sentinel is
//   chosen by the message definition, never by this codec
//
// === Version gating
//
// The gateway grows its protocol by appending fields to existing messages
// and gating them on the negotiated server version. The Feature table in
// this package is the single source of truth for those gates: an encoder or
// decoder consults Feature.SupportedBy before writing or reading a gated
// field, and must never duplicate the version number inline.
