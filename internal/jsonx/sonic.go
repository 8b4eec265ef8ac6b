// Package jsonx provides JSON serialization helpers backed by Sonic.
// It covers the subset of encoding/json the pipeline actually uses so
// callers never import both.
package jsonx

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage is re-exported so callers can hold deferred JSON fragments
// without importing encoding/json alongside this package.
type RawMessage = json.RawMessage

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result in the
// value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string,
// avoiding the []byte-to-string copy.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return sonic.UnmarshalString(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// Decoder reads a single JSON value from an io.Reader. Unlike
// encoding/json it buffers the whole payload before decoding; HTTP
// response bodies here are small enough that this is the simpler deal.
type Decoder struct {
	reader io.Reader
	buf    *bytes.Buffer
}

// Decode reads the JSON-encoded value from the input and stores it in
// the value pointed to by v.
func (d *Decoder) Decode(v interface{}) error {
	if d.buf == nil {
		d.buf = &bytes.Buffer{}
	}
	if _, err := io.Copy(d.buf, d.reader); err != nil {
		return err
	}
	return sonic.Unmarshal(d.buf.Bytes(), v)
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// Encoder writes JSON values to an io.Writer, newline-terminated.
type Encoder struct {
	writer io.Writer
	buf    *bytes.Buffer
}

// Encode writes the JSON encoding of v to the stream followed by a
// newline.
func (e *Encoder) Encode(v interface{}) error {
	if e.buf == nil {
		e.buf = &bytes.Buffer{}
	}
	e.buf.Reset()

	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.buf.Write(data); err != nil {
		return err
	}
	if _, err := e.buf.WriteRune('\n'); err != nil {
		return err
	}
	_, err = e.writer.Write(e.buf.Bytes())
	return err
}
