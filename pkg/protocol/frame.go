// Package protocol implements the tracker wire format: length-prefixed frames carrying a
// role tag byte followed by a CBOR encoded request or response.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/bsv-blockchain/tracker/errors"
)

// MaxFrameSize is the default upper bound on the length prefix accepted by ReadFrame.
const MaxFrameSize = 1 << 20

const (
	// TagClient prefixes frames sent by takers and makers to the tracker.
	TagClient byte = 0x01
	// TagTracker prefixes frames sent by the tracker, including its liveness pings.
	TagTracker byte = 0x02

	lengthPrefixSize = 4
)

func validTag(tag byte) bool {
	return tag == TagClient || tag == TagTracker
}

// WriteFrame writes len(payload)+1 as a big-endian uint32, the tag byte and payload in a single write.
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	if !validTag(tag) {
		return errors.NewInvalidArgumentError("unknown frame tag 0x%02x", tag)
	}

	buf := make([]byte, lengthPrefixSize+1+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(payload)+1))
	buf[lengthPrefixSize] = tag
	copy(buf[lengthPrefixSize+1:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.NewNetworkError("failed to write frame", err)
	}

	return nil
}

// ReadFrame reads one frame and returns its tag and payload.
// io.EOF is returned unwrapped when the peer closed the stream between frames.
// A zero length, an unknown tag or a length above maxSize is rejected before the
// payload is read; callers must drop the connection on any error.
func ReadFrame(r io.Reader, maxSize int) (byte, []byte, error) {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}

	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}

		return 0, nil, errors.NewNetworkError("failed to read frame length", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])

	switch {
	case n == 0:
		return 0, nil, errors.NewMalformedFrameError("empty frame")
	case uint64(n) > uint64(maxSize):
		return 0, nil, errors.NewFrameTooLargeError("frame of %d bytes exceeds limit of %d", n, maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.NewNetworkError("failed to read frame body of %d bytes", n, err)
	}

	if !validTag(body[0]) {
		return 0, nil, errors.NewMalformedFrameError("unknown frame tag 0x%02x", body[0])
	}

	return body[0], body[1:], nil
}
