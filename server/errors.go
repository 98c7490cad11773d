package server

import "fmt"

// ConfigError wraps a failure setting up the server itself (bad listen
// address, bad settings), as distinct from a failure serving a client.
type ConfigError struct {
	str string
	err error
}

// NewConfigError wraps err with a human-readable description.
func NewConfigError(str string, err error) ConfigError {
	return ConfigError{str: str, err: err}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %v", e.str, e.err)
}

func (e ConfigError) Unwrap() error {
	return e.err
}

// NetworkError wraps a failure from the listener or a data/control socket.
type NetworkError struct {
	str string
	err error
}

// NewNetworkError wraps err with a human-readable description.
func NewNetworkError(str string, err error) NetworkError {
	return NetworkError{str: str, err: err}
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.str, e.err)
}

func (e NetworkError) Unwrap() error {
	return e.err
}

// FileAccessError wraps a failure reaching the underlying filesystem, as
// opposed to a permission or sandbox rejection (those never reach this far).
type FileAccessError struct {
	str string
	err error
}

// NewFileAccessError wraps err with a human-readable description.
func NewFileAccessError(str string, err error) FileAccessError {
	return FileAccessError{str: str, err: err}
}

func (e FileAccessError) Error() string {
	return fmt.Sprintf("file access error: %s: %v", e.str, e.err)
}

func (e FileAccessError) Unwrap() error {
	return e.err
}
