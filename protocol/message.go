package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// fieldSep terminates every field in a frame body.
const fieldSep byte = 0x00

// Per-field sentinel values the gateway uses for "no value". The message
// definition picks the sentinel; the codec only maps it when asked to.
const (
	UnsetInt   = math.MaxInt32
	UnsetFloat = math.MaxFloat64
)

var ErrNoMoreFields = errors.New("Message has no more fields")

// DecodeError reports a typed read that could not be satisfied: either the
// cursor ran past the available fields or a numeric parse failed. It is
// fatal for the message it occurred in, never for the connection.
type DecodeError struct {
	Index int
	Want  string
	cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Failed to decode field %d as %s: %v", e.Index, e.Want, e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// Writer builds a frame body as an append-only sequence of typed fields.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(s string) *Writer {
	w.buf.WriteString(s)
	w.buf.WriteByte(fieldSep)
	return w
}

func (w *Writer) AddInt(v int) *Writer {
	return w.AddString(strconv.Itoa(v))
}

func (w *Writer) AddInt64(v int64) *Writer {
	return w.AddString(strconv.FormatInt(v, 10))
}

func (w *Writer) AddFloat(v float64) *Writer {
	return w.AddString(strconv.FormatFloat(v, 'g', -1, 64))
}

// AddBool writes the protocol's boolean representation, "1" or "0".
func (w *Writer) AddBool(v bool) *Writer {
	if v {
		return w.AddString("1")
	}
	return w.AddString("0")
}

// AddStrings writes ss as a single comma-joined field, the gateway's list
// convention. A trailing empty element produces a trailing comma.
func (w *Writer) AddStrings(ss []string) *Writer {
	return w.AddString(strings.Join(ss, ","))
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Message is a decoded frame body: an ordered field list consumed through a
// cursor. Fields are read strictly in protocol-defined order; skipping one
// is the explicit Skip operation, never implicit.
type Message struct {
	fields [][]byte
	cursor int
}

// Split decodes a frame body into a Message. Interior empty fields are
// preserved as zero-length values; only the trailing empty fragment produced
// by the final terminator is discarded.
func Split(body []byte) *Message {
	fields := bytes.Split(body, []byte{fieldSep})
	if n := len(fields); n > 0 && len(fields[n-1]) == 0 {
		fields = fields[:n-1]
	}

	return &Message{fields: fields}
}

// Len returns the total number of fields in the message.
func (m *Message) Len() int {
	return len(m.fields)
}

// More reports whether the cursor has fields left to consume.
func (m *Message) More() bool {
	return m.cursor < len(m.fields)
}

// Skip consumes the next field without interpreting it.
func (m *Message) Skip() error {
	_, err := m.next("skipped field")
	return err
}

func (m *Message) ReadString() (string, error) {
	f, err := m.next("string")
	if err != nil {
		return "", err
	}

	return string(f), nil
}

// ReadInt decodes the next field as a decimal integer. An empty field is the
// gateway's zero, by convention.
func (m *Message) ReadInt() (int, error) {
	idx := m.cursor

	f, err := m.next("int")
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, nil
	}

	v, err := strconv.Atoi(string(f))
	if err != nil {
		return 0, &DecodeError{Index: idx, Want: "int", cause: err}
	}

	return v, nil
}

func (m *Message) ReadInt64() (int64, error) {
	idx := m.cursor

	f, err := m.next("int64")
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, nil
	}

	v, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0, &DecodeError{Index: idx, Want: "int64", cause: err}
	}

	return v, nil
}

func (m *Message) ReadFloat() (float64, error) {
	idx := m.cursor

	f, err := m.next("float")
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, nil
	}

	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0, &DecodeError{Index: idx, Want: "float", cause: err}
	}

	return v, nil
}

// ReadBool decodes the next field with the protocol's boolean convention:
// "0" and the empty field are false, any other integer is true.
func (m *Message) ReadBool() (bool, error) {
	v, err := m.ReadInt()
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// ReadOptInt decodes an optional integer field. The caller supplies the
// sentinel that this particular field uses for "no value"; the second return
// is false when the field held the sentinel or was empty.
func (m *Message) ReadOptInt(sentinel int) (int, bool, error) {
	idx := m.cursor

	f, err := m.next("optional int")
	if err != nil {
		return 0, false, err
	}
	if len(f) == 0 {
		return 0, false, nil
	}

	v, err := strconv.Atoi(string(f))
	if err != nil {
		return 0, false, &DecodeError{Index: idx, Want: "optional int", cause: err}
	}
	if v == sentinel {
		return 0, false, nil
	}

	return v, true, nil
}

// ReadOptFloat decodes an optional float field, mapping the caller-supplied
// sentinel to "no value".
func (m *Message) ReadOptFloat(sentinel float64) (float64, bool, error) {
	idx := m.cursor

	f, err := m.next("optional float")
	if err != nil {
		return 0, false, err
	}
	if len(f) == 0 {
		return 0, false, nil
	}

	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0, false, &DecodeError{Index: idx, Want: "optional float", cause: err}
	}
	if v == sentinel {
		return 0, false, nil
	}

	return v, true, nil
}

// IntAt decodes the field at index i as an integer without moving the
// cursor. The dispatcher uses this to peek at headers before handing the
// whole message to a consumer.
func (m *Message) IntAt(i int) (int, error) {
	if i < 0 || i >= len(m.fields) {
		return 0, &DecodeError{Index: i, Want: "int", cause: ErrNoMoreFields}
	}

	f := m.fields[i]
	if len(f) == 0 {
		return 0, nil
	}

	v, err := strconv.Atoi(string(f))
	if err != nil {
		return 0, &DecodeError{Index: i, Want: "int", cause: err}
	}

	return v, nil
}

// Strings returns every field as a string, for diagnostics and recording.
func (m *Message) Strings() []string {
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = string(f)
	}

	return out
}

func (m *Message) next(want string) ([]byte, error) {
	if m.cursor >= len(m.fields) {
		return nil, &DecodeError{Index: m.cursor, Want: want, cause: ErrNoMoreFields}
	}

	f := m.fields[m.cursor]
	m.cursor++

	return f, nil
}
