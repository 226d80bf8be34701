package errors

var (
	ErrUnknown                  = New(ERR_UNKNOWN, "unknown error")
	ErrInvalidArgument          = New(ERR_INVALID_ARGUMENT, "invalid argument")
	ErrNotFound                 = New(ERR_NOT_FOUND, "not found")
	ErrProcessing               = New(ERR_PROCESSING, "error processing")
	ErrConfiguration            = New(ERR_CONFIGURATION, "configuration error")
	ErrContext                  = New(ERR_CONTEXT, "context error")
	ErrContextCanceled          = New(ERR_CONTEXT_CANCELED, "context canceled")
	ErrError                    = New(ERR_ERROR, "generic error")
	ErrNotImplemented           = New(ERR_NOT_IMPLEMENTED, "not implemented")
	ErrMalformedFrame           = New(ERR_MALFORMED_FRAME, "malformed frame")
	ErrFrameTooLarge            = New(ERR_FRAME_TOO_LARGE, "frame too large")
	ErrRPC                      = New(ERR_RPC, "node rpc error")
	ErrServiceUnavailable       = New(ERR_SERVICE_UNAVAILABLE, "service unavailable")
	ErrServiceNotStarted        = New(ERR_SERVICE_NOT_STARTED, "service not started")
	ErrServiceError             = New(ERR_SERVICE_ERROR, "service error")
	ErrMailboxClosed            = New(ERR_MAILBOX_CLOSED, "mailbox closed")
	ErrStorageUnavailable       = New(ERR_STORAGE_UNAVAILABLE, "storage unavailable")
	ErrStorageNotStarted        = New(ERR_STORAGE_NOT_STARTED, "storage not started")
	ErrStorageError             = New(ERR_STORAGE_ERROR, "storage error")
	ErrNetworkError             = New(ERR_NETWORK_ERROR, "network error")
	ErrNetworkTimeout           = New(ERR_NETWORK_TIMEOUT, "network timeout")
	ErrNetworkConnectionRefused = New(ERR_NETWORK_CONNECTION_REFUSED, "connection refused")
	ErrNetworkInvalidResponse   = New(ERR_NETWORK_INVALID_RESPONSE, "invalid response")
)

// errors initialization functions

func NewUnknownError(message string, params ...interface{}) error {
	return New(ERR_UNKNOWN, message, params...)
}
func NewInvalidArgumentError(message string, params ...interface{}) error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}
func NewNotFoundError(message string, params ...interface{}) error {
	return New(ERR_NOT_FOUND, message, params...)
}
func NewProcessingError(message string, params ...interface{}) error {
	return New(ERR_PROCESSING, message, params...)
}
func NewConfigurationError(message string, params ...interface{}) error {
	return New(ERR_CONFIGURATION, message, params...)
}
func NewContextError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT, message, params...)
}
func NewContextCanceledError(message string, params ...interface{}) error {
	return New(ERR_CONTEXT_CANCELED, message, params...)
}
func NewError(message string, params ...interface{}) error {
	return New(ERR_ERROR, message, params...)
}
func NewNotImplementedError(message string, params ...interface{}) error {
	return New(ERR_NOT_IMPLEMENTED, message, params...)
}
func NewMalformedFrameError(message string, params ...interface{}) error {
	return New(ERR_MALFORMED_FRAME, message, params...)
}
func NewFrameTooLargeError(message string, params ...interface{}) error {
	return New(ERR_FRAME_TOO_LARGE, message, params...)
}
func NewRPCError(message string, params ...interface{}) error {
	return New(ERR_RPC, message, params...)
}
func NewServiceUnavailableError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_UNAVAILABLE, message, params...)
}
func NewServiceNotStartedError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_NOT_STARTED, message, params...)
}
func NewServiceError(message string, params ...interface{}) error {
	return New(ERR_SERVICE_ERROR, message, params...)
}
func NewMailboxClosedError(message string, params ...interface{}) error {
	return New(ERR_MAILBOX_CLOSED, message, params...)
}
func NewStorageUnavailableError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_UNAVAILABLE, message, params...)
}
func NewStorageNotStartedError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_NOT_STARTED, message, params...)
}
func NewStorageError(message string, params ...interface{}) error {
	return New(ERR_STORAGE_ERROR, message, params...)
}
func NewNetworkError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_ERROR, message, params...)
}
func NewNetworkTimeoutError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_TIMEOUT, message, params...)
}
func NewNetworkConnectionRefusedError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_CONNECTION_REFUSED, message, params...)
}
func NewNetworkInvalidResponseError(message string, params ...interface{}) error {
	return New(ERR_NETWORK_INVALID_RESPONSE, message, params...)
}
