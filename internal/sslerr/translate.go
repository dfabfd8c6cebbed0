package sslerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"syscall"
)

// Message used for transport EOF that was not preceded by close_notify.
const unexpectedEOF = "Unexpected EOF"

// Translate maps an error returned by the TLS engine onto the taxonomy.
// transportEOF reports whether the transport delivered end-of-stream to the
// engine; it separates a clean close_notify (ZeroReturn) from an abrupt close
// that the engine tolerates at a record boundary.
//
// Errors that already belong to the taxonomy are returned unchanged. Unknown
// failures surface as SyscallError carrying the raw error.
func Translate(err error, transportEOF bool) error {
	if err == nil {
		return nil
	}

	if known(err) {
		return err
	}

	switch {
	case errors.Is(err, io.EOF):
		if transportEOF {
			return NewSyscallError(-1, unexpectedEOF, err)
		}
		return ErrZeroReturn
	case errors.Is(err, io.ErrUnexpectedEOF):
		return NewSyscallError(-1, unexpectedEOF, err)
	case errors.Is(err, net.ErrClosed):
		return NewSyscallError(int(syscall.EBADF), "transport closed", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewSyscallError(int(syscall.ECANCELED), err.Error(), err)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return NewSyscallError(int(errno), errno.Error(), err)
	}

	if perr := translateProtocol(err); perr != nil {
		return perr
	}

	return NewSyscallError(-1, err.Error(), err)
}

// translateProtocol returns a ProtocolError for engine failures that violate
// the protocol, or nil when err is not one of them.
func translateProtocol(err error) error {
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return NewProtocolError(uint8(alertErr), strings.TrimPrefix(alertErr.Error(), "tls: "), err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil {
		perr := NewProtocolError(alertCode(opErr.Err), "peer sent alert: "+strings.TrimPrefix(opErr.Err.Error(), "tls: "), err)
		perr.Remote = true
		return perr
	}

	var headerErr tls.RecordHeaderError
	if errors.As(err, &headerErr) {
		return NewProtocolError(0, headerErr.Msg, err)
	}

	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return NewProtocolError(0, "certificate verify failed", err)
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostnameErr      x509.HostnameError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) || errors.As(err, &hostnameErr) {
		return NewProtocolError(0, "certificate verify failed", err)
	}

	if strings.HasPrefix(err.Error(), "tls: ") {
		return NewProtocolError(0, strings.TrimPrefix(err.Error(), "tls: "), err)
	}

	return nil
}

// alertCode extracts the numeric alert from the engine's unexported alert type.
func alertCode(err error) uint8 {
	v := reflect.ValueOf(err)
	if v.Kind() == reflect.Uint8 {
		return uint8(v.Uint())
	}
	return 0
}

// known reports whether err already belongs to the taxonomy.
func known(err error) bool {
	for _, sentinel := range []error{
		ErrAllocation, ErrDecode, ErrIncorrectPassphrase, ErrConfiguration,
		ErrKeyMismatch, ErrVerification, ErrWantRead, ErrWantWrite,
		ErrWantX509Lookup, ErrZeroReturn, ErrSyscall, ErrProtocol, ErrInvalidState,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
