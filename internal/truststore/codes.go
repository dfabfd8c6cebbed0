package truststore

import (
	"fmt"

	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Code is a certificate verification result code. Values follow the
// numbering used by OpenSSL's X509_V_ERR_* constants so they can be compared
// with results produced by other TLS stacks.
type Code int

// Verification result codes.
const (
	CodeOK                           Code = 0
	CodeUnspecified                  Code = 1
	CodeUnableToGetIssuerCert        Code = 2
	CodeUnableToGetCRL               Code = 3
	CodeCertSignatureFailure         Code = 7
	CodeCertNotYetValid              Code = 9
	CodeCertHasExpired               Code = 10
	CodeCRLNotYetValid               Code = 11
	CodeCRLHasExpired                Code = 12
	CodeDepthZeroSelfSignedCert      Code = 18
	CodeSelfSignedCertInChain        Code = 19
	CodeUnableToGetIssuerCertLocally Code = 20
	CodeCertChainTooLong             Code = 22
	CodeCertRevoked                  Code = 23
	CodeInvalidCA                    Code = 24
	CodePathLengthExceeded           Code = 25
	CodeInvalidPurpose               Code = 26
	CodeUnhandledCriticalExtension   Code = 34
	CodePermittedViolation           Code = 47
	CodeApplicationVerification      Code = 50
)

var codeMessages = map[Code]string{
	CodeOK:                           "ok",
	CodeUnspecified:                  "unspecified certificate verification error",
	CodeUnableToGetIssuerCert:        "unable to get issuer certificate",
	CodeUnableToGetCRL:               "unable to get certificate CRL",
	CodeCertSignatureFailure:         "certificate signature failure",
	CodeCertNotYetValid:              "certificate is not yet valid",
	CodeCertHasExpired:               "certificate has expired",
	CodeCRLNotYetValid:               "CRL is not yet valid",
	CodeCRLHasExpired:                "CRL has expired",
	CodeDepthZeroSelfSignedCert:      "self-signed certificate",
	CodeSelfSignedCertInChain:        "self-signed certificate in certificate chain",
	CodeUnableToGetIssuerCertLocally: "unable to get local issuer certificate",
	CodeCertChainTooLong:             "certificate chain too long",
	CodeCertRevoked:                  "certificate revoked",
	CodeInvalidCA:                    "invalid CA certificate",
	CodePathLengthExceeded:           "path length constraint exceeded",
	CodeInvalidPurpose:               "unsupported certificate purpose",
	CodeUnhandledCriticalExtension:   "unhandled critical extension",
	CodePermittedViolation:           "permitted subtree violation",
	CodeApplicationVerification:      "application verification failure",
}

// String returns the human readable description of the code.
func (c Code) String() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("verification error %d", int(c))
}

// VerificationError reports a chain that failed trust verification.
type VerificationError struct {
	Code  Code
	Depth int
	// Certificate is the certificate at Depth in the built chain.
	Certificate *pki.Certificate
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(code Code, depth int, cert *pki.Certificate) *VerificationError {
	return &VerificationError{Code: code, Depth: depth, Certificate: cert}
}

// Error implements the error interface.
func (e *VerificationError) Error() string {
	subject := ""
	if e.Certificate != nil {
		subject = e.Certificate.Subject().String()
	}
	return fmt.Sprintf("certificate verify failed: %s (code %d) at depth %d [%s]",
		e.Code, int(e.Code), e.Depth, subject)
}

// Is checks if the error matches the target.
func (e *VerificationError) Is(target error) bool {
	return target == sslerr.ErrVerification
}
