// Package sslerr defines the error taxonomy shared by the avatls packages and
// the translator that maps TLS engine failures onto it.
package sslerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match their sentinel with errors.Is.
var (
	// ErrAllocation indicates that an engine resource could not be created.
	ErrAllocation = errors.New("allocation failed")

	// ErrDecode indicates malformed serialized key, certificate or request data.
	ErrDecode = errors.New("decode error")

	// ErrIncorrectPassphrase indicates that protected material could not be unlocked.
	ErrIncorrectPassphrase = errors.New("incorrect passphrase")

	// ErrConfiguration indicates an invalid context configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrKeyMismatch indicates that a certificate and private key do not pair.
	ErrKeyMismatch = errors.New("certificate and private key do not match")

	// ErrVerification indicates that a certificate chain failed trust verification.
	ErrVerification = errors.New("certificate verification failed")

	// ErrWantRead is the retry signal returned when more transport input is needed.
	ErrWantRead = errors.New("want read")

	// ErrWantWrite is the retry signal returned when pending output must be drained.
	ErrWantWrite = errors.New("want write")

	// ErrWantX509Lookup is the retry signal returned when a verify callback
	// is waiting on external data.
	ErrWantX509Lookup = errors.New("want x509 lookup")

	// ErrZeroReturn indicates that the peer closed the TLS session cleanly.
	ErrZeroReturn = errors.New("zero return")

	// ErrSyscall indicates a transport level failure.
	ErrSyscall = errors.New("syscall error")

	// ErrProtocol indicates a handshake or record layer violation. The
	// connection that returned it is permanently unusable.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidState indicates an operation invoked in a state that does not allow it.
	ErrInvalidState = errors.New("invalid state")
)

// AllocationError reports a failed resource construction.
type AllocationError struct {
	Kind  string
	Cause error
}

// NewAllocationError creates a new AllocationError.
func NewAllocationError(kind string, cause error) *AllocationError {
	return &AllocationError{Kind: kind, Cause: cause}
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("allocation of %s failed: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("allocation of %s failed: constructor returned nil", e.Kind)
}

// Unwrap returns the underlying error.
func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation
}

// DecodeError reports malformed serialized input.
type DecodeError struct {
	Object  string
	Format  string
	Message string
	Cause   error
}

// NewDecodeError creates a new DecodeError.
func NewDecodeError(object, format, message string) *DecodeError {
	return &DecodeError{Object: object, Format: format, Message: message}
}

// NewDecodeErrorWithCause creates a new DecodeError with a cause.
func NewDecodeErrorWithCause(object, format, message string, cause error) *DecodeError {
	return &DecodeError{Object: object, Format: format, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	prefix := fmt.Sprintf("decode %s", e.Object)
	if e.Format != "" {
		prefix = fmt.Sprintf("decode %s (%s)", e.Object, e.Format)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// IncorrectPassphraseError reports protected material that could not be unlocked.
type IncorrectPassphraseError struct {
	Object string
	Cause  error
}

// NewIncorrectPassphraseError creates a new IncorrectPassphraseError.
func NewIncorrectPassphraseError(object string, cause error) *IncorrectPassphraseError {
	return &IncorrectPassphraseError{Object: object, Cause: cause}
}

// Error implements the error interface.
func (e *IncorrectPassphraseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("incorrect passphrase for %s: %v", e.Object, e.Cause)
	}
	return fmt.Sprintf("incorrect passphrase for %s", e.Object)
}

// Unwrap returns the underlying error.
func (e *IncorrectPassphraseError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *IncorrectPassphraseError) Is(target error) bool {
	return target == ErrIncorrectPassphrase
}

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Field   string
	Message string
	Cause   error
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// NewConfigurationErrorWithCause creates a new ConfigurationError with a cause.
func NewConfigurationErrorWithCause(field, message string, cause error) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error for %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// KeyMismatchError reports a certificate whose public key does not match the private key.
type KeyMismatchError struct {
	Subject string
}

// NewKeyMismatchError creates a new KeyMismatchError.
func NewKeyMismatchError(subject string) *KeyMismatchError {
	return &KeyMismatchError{Subject: subject}
}

// Error implements the error interface.
func (e *KeyMismatchError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("private key does not match certificate %q", e.Subject)
	}
	return ErrKeyMismatch.Error()
}

// Is checks if the error matches the target.
func (e *KeyMismatchError) Is(target error) bool {
	return target == ErrKeyMismatch
}

// SyscallError reports a transport failure. Code carries the raw errno, or -1
// when the failure has no numeric code (for example an unexpected EOF).
type SyscallError struct {
	Code    int
	Message string
	Cause   error
}

// NewSyscallError creates a new SyscallError.
func NewSyscallError(code int, message string, cause error) *SyscallError {
	return &SyscallError{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall error (%d): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SyscallError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *SyscallError) Is(target error) bool {
	return target == ErrSyscall
}

// ProtocolError reports a handshake or record layer failure. Alert is the TLS
// alert code when one is known, zero otherwise.
type ProtocolError struct {
	Alert  uint8
	Reason string
	Cause  error
	// Remote is set when the alert was received from the peer.
	Remote bool
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(alert uint8, reason string, cause error) *ProtocolError {
	return &ProtocolError{Alert: alert, Reason: reason, Cause: cause}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Alert != 0 {
		return fmt.Sprintf("protocol error (alert %d): %s", e.Alert, e.Reason)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// StateError reports an operation that the object's current state forbids.
type StateError struct {
	Op    string
	State string
}

// NewStateError creates a new StateError.
func NewStateError(op, state string) *StateError {
	return &StateError{Op: op, State: state}
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Is checks if the error matches the target.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// IsRetry reports whether err is one of the retry signals.
func IsRetry(err error) bool {
	return errors.Is(err, ErrWantRead) ||
		errors.Is(err, ErrWantWrite) ||
		errors.Is(err, ErrWantX509Lookup)
}

// IsFatal reports whether err leaves a connection permanently unusable.
func IsFatal(err error) bool {
	return err != nil && !IsRetry(err) && !errors.Is(err, ErrZeroReturn) && !errors.Is(err, ErrInvalidState)
}
