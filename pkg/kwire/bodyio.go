package kwire

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding"

	kerrors "github.com/openretro/kaillerad/pkg/errors"
)

// bodyReader walks a message body left to right. The first failed read is
// latched and every later read becomes a no-op, so variant decoders can read
// all their fields and check err() once.
type bodyReader struct {
	name    string
	buf     []byte
	pos     int
	charset encoding.Encoding
	failure error
}

func newBodyReader(name string, buf []byte, charset encoding.Encoding) *bodyReader {
	return &bodyReader{
		name:    name,
		buf:     buf,
		charset: charset,
	}
}

func (r *bodyReader) underflow(needed int) {
	if r.failure == nil {
		r.failure = &kerrors.Underflow{
			MessageName: r.name,
			MsgSize:     len(r.buf),
			MinimumSize: r.pos + needed,
		}
	}
}

func (r *bodyReader) malformed(reason string) {
	if r.failure == nil {
		r.failure = &kerrors.MalformedBody{
			MessageName: r.name,
			Reason:      reason,
		}
	}
}

func (r *bodyReader) err() error {
	return r.failure
}

func (r *bodyReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *bodyReader) readByte() uint8 {
	if r.failure != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.underflow(1)
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *bodyReader) readUint16() uint16 {
	if r.failure != nil {
		return 0
	}
	if r.remaining() < 2 {
		r.underflow(2)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v
}

func (r *bodyReader) readUint32() uint32 {
	if r.failure != nil {
		return 0
	}
	if r.remaining() < 4 {
		r.underflow(4)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}

// readString consumes bytes up to the next NUL stop byte and decodes them
// with the process charset. Length is implicit, never prefixed.
func (r *bodyReader) readString() string {
	if r.failure != nil {
		return ""
	}
	stop := bytes.IndexByte(r.buf[r.pos:], 0x00)
	if stop < 0 {
		r.underflow(r.remaining() + 1)
		return ""
	}
	raw := r.buf[r.pos : r.pos+stop]
	r.pos += stop + 1
	if len(raw) == 0 {
		return ""
	}

	decoded, decodeErr := r.charset.NewDecoder().Bytes(raw)
	if decodeErr != nil {
		r.malformed("undecodable string field")
		return ""
	}
	return string(decoded)
}

// readEmptyString consumes a string field that the layout requires to be
// blank (a bare 0x00 pad present in many server-bound bodies).
func (r *bodyReader) readEmptyString() {
	if s := r.readString(); r.failure == nil && s != "" {
		r.malformed("expected blank pad string")
	}
}

func (r *bodyReader) readBytes(n int) []byte {
	if r.failure != nil {
		return nil
	}
	if r.remaining() < n {
		r.underflow(n)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out
}

// bodyWriter mirrors bodyReader for encoding. Charset conversion is the only
// step that can fail.
type bodyWriter struct {
	name    string
	buf     []byte
	charset encoding.Encoding
	failure error
}

func newBodyWriter(name string, charset encoding.Encoding) *bodyWriter {
	return &bodyWriter{
		name:    name,
		charset: charset,
	}
}

func (w *bodyWriter) err() error {
	return w.failure
}

func (w *bodyWriter) writeByte(b uint8) {
	if w.failure != nil {
		return
	}
	w.buf = append(w.buf, b)
}

func (w *bodyWriter) writeUint16(v uint16) {
	if w.failure != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *bodyWriter) writeUint32(v uint32) {
	if w.failure != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *bodyWriter) writeString(s string) {
	if w.failure != nil {
		return
	}
	if s != "" {
		encoded, encodeErr := encoding.ReplaceUnsupported(w.charset.NewEncoder()).Bytes([]byte(s))
		if encodeErr != nil {
			w.failure = &kerrors.MalformedBody{
				MessageName: w.name,
				Reason:      "unencodable string field",
			}
			return
		}
		w.buf = append(w.buf, encoded...)
	}
	w.buf = append(w.buf, 0x00)
}

func (w *bodyWriter) writeBytes(p []byte) {
	if w.failure != nil {
		return
	}
	w.buf = append(w.buf, p...)
}
