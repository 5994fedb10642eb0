package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Reader decodes length-delimited messages from an underlying stream. It is
// not safe for concurrent use; each control or tunnel socket has exactly one
// reader, so reads are single-consumer.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage reads one length-prefixed frame and decodes it. A clean EOF
// before the first length byte is returned as io.EOF; any other length,
// read, or decode error is wrapped in ErrFraming, and callers must close
// the connection without responding, per spec.
func (d *Reader) ReadMessage() (Message, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, errors.Wrap(ErrFraming, err.Error())
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return Message{}, errors.Wrapf(ErrFraming, "invalid frame size %d (must be 1..%d)", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Message{}, errors.Wrap(ErrFraming, err.Error())
	}
	return Unmarshal(payload)
}

// WriteMessage encodes m and writes it as one length-prefixed frame. Callers
// must serialize writers per connection (see registry.ControlChannel);
// WriteMessage itself does no locking.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrFraming, "encoded frame size %d exceeds cap %d", len(payload), MaxFrameSize)
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "wire: write length prefix")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write payload")
	}
	return nil
}
