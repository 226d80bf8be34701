package protocol

import (
	"io"

	"github.com/bsv-blockchain/tracker/errors"
)

// WriteRequest frames r with the client tag.
func WriteRequest(w io.Writer, r Request) error {
	payload, err := EncodeRequest(r)
	if err != nil {
		return err
	}

	return WriteFrame(w, TagClient, payload)
}

// WriteResponse frames r with the tracker tag.
func WriteResponse(w io.Writer, r Response) error {
	payload, err := EncodeResponse(r)
	if err != nil {
		return err
	}

	return WriteFrame(w, TagTracker, payload)
}

// ReadRequest reads one frame and decodes it as a client request.
func ReadRequest(r io.Reader, maxSize int) (Request, error) {
	tag, payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Request{}, err
	}

	if tag != TagClient {
		return Request{}, errors.NewMalformedFrameError("expected client tag, got 0x%02x", tag)
	}

	return DecodeRequest(payload)
}

// ReadResponse reads one frame and decodes it as a tracker response.
func ReadResponse(r io.Reader, maxSize int) (Response, error) {
	tag, payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Response{}, err
	}

	if tag != TagTracker {
		return Response{}, errors.NewMalformedFrameError("expected tracker tag, got 0x%02x", tag)
	}

	return DecodeResponse(payload)
}
