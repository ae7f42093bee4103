package defmt

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnexpectedEOF means the decoder's buffer holds a partial frame: the
// caller should stop draining and wait for more bytes from RTT, mirroring
// run.rs's `UnexpectedEof` handling.
var ErrUnexpectedEOF = errors.New("defmt: unexpected end of frame")

// Frame is one decoded log record.
type Frame struct {
	Index     uint64
	Level     string
	Message   string
	Module    string
	File      string
	Line      uint32
	Timestamp *uint64
}

// StreamDecoder accumulates raw RTT bytes and yields complete Frames. It
// borrows table for its entire lifetime, mirroring the self-referential
// table+decoder relationship of the defmt-decoder crate: in Go this is
// just a pointer field, no lifetime gymnastics required.
type StreamDecoder struct {
	table *Table
	buf   []byte
}

// NewStreamDecoder builds a decoder over table. table must outlive the
// decoder (it does, in practice, for the whole runner invocation).
func NewStreamDecoder(table *Table) *StreamDecoder {
	return &StreamDecoder{table: table}
}

// Feed appends newly-read RTT bytes to the decoder's internal buffer.
func (d *StreamDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// DrainOne attempts to decode a single frame off the front of the buffer.
// It returns ErrUnexpectedEOF when the buffer doesn't yet hold a complete
// frame (more bytes needed, not fatal); any other error is a malformed
// encoding. On success the consumed bytes are removed from the buffer.
func (d *StreamDecoder) DrainOne() (Frame, error) {
	start := len(d.buf)
	index, n, ok := decodeLEB128(d.buf)
	if !ok {
		return Frame{}, ErrUnexpectedEOF
	}
	rest := d.buf[n:]

	loc, known := d.table.Lookup(index)
	if !known {
		return Frame{}, fmt.Errorf("defmt: unknown interned index %d", index)
	}

	var timestamp *uint64
	ts, tn, ok := decodeLEB128(rest)
	if !ok {
		return Frame{}, ErrUnexpectedEOF
	}
	timestamp = &ts
	rest = rest[tn:]

	msg, consumed, err := formatArgs(loc.Format, rest)
	if err != nil {
		if errors.Is(err, ErrUnexpectedEOF) {
			return Frame{}, ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	total := start - len(rest) + consumed
	d.buf = d.buf[total:]

	return Frame{
		Index:     index,
		Level:     levelOrDefault(loc.Level),
		Message:   msg,
		Module:    loc.Module,
		File:      loc.File,
		Line:      loc.Line,
		Timestamp: timestamp,
	}, nil
}

// Drain decodes every complete frame currently in the buffer, stopping
// (without error) at the first partial frame.
func (d *StreamDecoder) Drain() ([]Frame, error) {
	var frames []Frame
	for len(d.buf) > 0 {
		f, err := d.DrainOne()
		if errors.Is(err, ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// decodeLEB128 reads an unsigned LEB128 varint from the front of buf,
// returning the value, the number of bytes consumed, and whether a
// complete varint was present.
func decodeLEB128(buf []byte) (uint64, int, bool) {
	var result uint64
	var shift uint
	for i, b := range buf {
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, true
		}
		shift += 7
		if shift > 63 {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

// formatArgs substitutes defmt-style `{=TYPE}` placeholders in format
// with values decoded from buf, returning the rendered message and the
// number of bytes of buf consumed.
func formatArgs(format string, buf []byte) (string, int, error) {
	var out strings.Builder
	consumed := 0
	rest := buf

	i := 0
	for i < len(format) {
		open := strings.IndexByte(format[i:], '{')
		if open < 0 {
			out.WriteString(format[i:])
			break
		}
		out.WriteString(format[i : i+open])
		close := strings.IndexByte(format[i+open:], '}')
		if close < 0 {
			return "", 0, fmt.Errorf("defmt: unterminated placeholder in %q", format)
		}
		spec := format[i+open+1 : i+open+close]
		i = i + open + close + 1

		val, n, err := decodeArg(spec, rest)
		if err != nil {
			return "", 0, err
		}
		out.WriteString(val)
		rest = rest[n:]
		consumed += n
	}
	return out.String(), consumed, nil
}

func decodeArg(spec string, buf []byte) (string, int, error) {
	spec = strings.TrimPrefix(spec, "=")
	switch spec {
	case "u8":
		if len(buf) < 1 {
			return "", 0, ErrUnexpectedEOF
		}
		return fmt.Sprintf("%d", buf[0]), 1, nil
	case "bool":
		if len(buf) < 1 {
			return "", 0, ErrUnexpectedEOF
		}
		return fmt.Sprintf("%t", buf[0] != 0), 1, nil
	case "u16":
		if len(buf) < 2 {
			return "", 0, ErrUnexpectedEOF
		}
		v := uint16(buf[0]) | uint16(buf[1])<<8
		return fmt.Sprintf("%d", v), 2, nil
	case "u32":
		if len(buf) < 4 {
			return "", 0, ErrUnexpectedEOF
		}
		v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		return fmt.Sprintf("%d", v), 4, nil
	case "i32":
		if len(buf) < 4 {
			return "", 0, ErrUnexpectedEOF
		}
		v := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
		return fmt.Sprintf("%d", v), 4, nil
	case "f32":
		if len(buf) < 4 {
			return "", 0, ErrUnexpectedEOF
		}
		bits := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		return fmt.Sprintf("%g", math.Float32frombits(bits)), 4, nil
	case "str":
		strLen, n, ok := decodeLEB128(buf)
		if !ok {
			return "", 0, ErrUnexpectedEOF
		}
		if uint64(len(buf)-n) < strLen {
			return "", 0, ErrUnexpectedEOF
		}
		s := string(buf[n : n+int(strLen)])
		return s, n + int(strLen), nil
	default:
		return "", 0, fmt.Errorf("defmt: unsupported format placeholder {%s}", spec)
	}
}
