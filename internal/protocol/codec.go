// Package protocol implements the newline-delimited wire format spoken
// between the chat server and its clients.
//
// A TCP stream is a sequence of UTF-8 records separated by '\n'. Each record
// decomposes as "<tag>|<payload>" on the first '|'. Records carrying no '|'
// are treated as chat payloads with the tag defaulted.
package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// Inbound record tags (client → server).
const (
	TagMessage = "MSG"
	TagUserCmd = "CMD_USER"
)

// Outbound record tags (server → client).
const (
	TagServer   = "SRV"
	TagUserList = "ULIST"
)

// MaxRecordBytes is the largest record the reader will buffer before giving
// up on the connection. A peer that streams this much data without a newline
// is either broken or hostile.
const MaxRecordBytes = 64 * 1024

var (
	// ErrRecordTooLong means the peer exceeded MaxRecordBytes without
	// terminating a record. The session must be closed.
	ErrRecordTooLong = errors.New("protocol: record exceeds maximum length")

	// ErrInvalidUTF8 marks a complete record that is not valid UTF-8.
	// The record is dropped; the session continues.
	ErrInvalidUTF8 = errors.New("protocol: record is not valid UTF-8")
)

// Record is a single framed unit on the wire, already split into tag and
// payload. The separator is the first '|' only; payloads may contain more.
type Record struct {
	Tag     string
	Payload string
}

// ParseRecord splits a raw record line (without the trailing newline) into
// tag and payload. A record without a separator is a bare chat payload.
func ParseRecord(line string) Record {
	if i := strings.IndexByte(line, '|'); i >= 0 {
		return Record{Tag: line[:i], Payload: line[i+1:]}
	}
	return Record{Tag: TagMessage, Payload: line}
}

// EncodeRecord renders a record for the wire, newline-terminated.
func EncodeRecord(tag, payload string) []byte {
	buf := make([]byte, 0, len(tag)+len(payload)+2)
	buf = append(buf, tag...)
	buf = append(buf, '|')
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	return buf
}

// Reader frames a byte stream into records. It owns the per-connection
// receive buffer: partial trailing bytes remain buffered between calls, so a
// read deadline expiring mid-record loses nothing.
//
// Reader is not safe for concurrent use; each session's reader goroutine is
// its sole caller.
type Reader struct {
	src io.Reader
	buf []byte // accumulated, not yet framed
	tmp [4096]byte
}

// NewReader wraps src with a framing reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Buffered reports how many unframed bytes are pending. Used by tests and
// diagnostics only.
func (r *Reader) Buffered() int { return len(r.buf) }

// ReadRecord returns the next complete record from the stream.
//
// Error contract:
//   - net timeouts and any other transient error from the underlying reader
//     are returned as-is with the partial buffer preserved; the caller may
//     retry.
//   - ErrRecordTooLong is terminal for the session.
//   - ErrInvalidUTF8 means the current record was dropped; the caller should
//     count it and read again.
//   - io.EOF after the peer closes. A final unterminated record before EOF
//     is delivered before EOF is surfaced, provided it is valid UTF-8.
func (r *Reader) ReadRecord() (Record, error) {
	for {
		if line, ok, err := r.takeLine(); ok || err != nil {
			if err != nil {
				return Record{}, err
			}
			return ParseRecord(line), nil
		}

		n, err := r.src.Read(r.tmp[:])
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF && len(r.buf) > 0 {
				// Flush the final unterminated record.
				line := r.buf
				r.buf = nil
				if !utf8.Valid(line) {
					return Record{}, io.EOF
				}
				return ParseRecord(string(trimCR(line))), nil
			}
			return Record{}, err
		}
	}
}

// takeLine extracts one complete record from the buffer if present.
func (r *Reader) takeLine() (string, bool, error) {
	i := bytes.IndexByte(r.buf, '\n')
	if i < 0 {
		if len(r.buf) > MaxRecordBytes {
			return "", false, ErrRecordTooLong
		}
		return "", false, nil
	}

	line := trimCR(r.buf[:i])
	rest := r.buf[i+1:]
	r.buf = append(r.buf[:0], rest...)

	if !utf8.Valid(line) {
		return "", false, ErrInvalidUTF8
	}
	return string(line), true, nil
}

// trimCR drops a single trailing carriage return; clients on some platforms
// terminate records with \r\n.
func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
