// Package errors provides the tracker's coded error type and helpers for categorizing errors.
package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// IsRetryableError determines if an error is transient and the operation should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var tErr *Error
	if As(err, &tErr) {
		switch tErr.Code() {
		case ERR_NETWORK_TIMEOUT,
			ERR_NETWORK_ERROR,
			ERR_NETWORK_CONNECTION_REFUSED,
			ERR_SERVICE_UNAVAILABLE,
			ERR_STORAGE_UNAVAILABLE,
			ERR_RPC:
			return true
		case ERR_NETWORK_INVALID_RESPONSE,
			ERR_MALFORMED_FRAME,
			ERR_FRAME_TOO_LARGE:
			return false
		}
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNetworkError determines if an error is network-related.
// This includes timeouts, connection failures, and invalid responses.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var tErr *Error
	if As(err, &tErr) {
		switch tErr.Code() {
		case ERR_NETWORK_ERROR,
			ERR_NETWORK_TIMEOUT,
			ERR_NETWORK_CONNECTION_REFUSED,
			ERR_NETWORK_INVALID_RESPONSE:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkStrings := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"dial tcp",
		"i/o timeout",
	}

	for _, s := range networkStrings {
		if strings.Contains(errStr, s) {
			return true
		}
	}

	return false
}

// IsProtocolError reports whether err came from decoding a frame sent by a peer.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}

	var tErr *Error
	if As(err, &tErr) {
		for e := tErr; e != nil; {
			switch e.Code() {
			case ERR_MALFORMED_FRAME, ERR_FRAME_TOO_LARGE, ERR_NETWORK_INVALID_RESPONSE:
				return true
			}

			next, ok := e.wrappedErr.(*Error)
			if !ok {
				break
			}

			e = next
		}
	}

	return false
}

// IsContextError determines if an error is related to context cancellation or deadline.
func IsContextError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tErr *Error
	if As(err, &tErr) {
		if tErr.Code() == ERR_CONTEXT_CANCELED || tErr.Code() == ERR_CONTEXT {
			return true
		}
	}

	return false
}

// GetErrorCategory returns a string representing the category of the error.
// This is used for status classification, logging and metric labels.
func GetErrorCategory(err error) string {
	if err == nil {
		return "none"
	}

	if IsContextError(err) {
		return "context"
	}

	if IsProtocolError(err) {
		return "protocol"
	}

	var tErr *Error
	if As(err, &tErr) {
		code := tErr.Code()
		switch {
		case code == ERR_MAILBOX_CLOSED:
			return "mailbox"
		case code >= 20 && code <= 29:
			return "protocol"
		case code >= 30 && code <= 39:
			return "rpc"
		case code >= 50 && code <= 59:
			return "service"
		case code >= 60 && code <= 69:
			return "storage"
		case code >= 110 && code <= 119:
			return "network"
		}
	}

	if IsNetworkError(err) {
		return "network"
	}

	return "internal"
}
