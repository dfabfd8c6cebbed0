package health

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/avatls/internal/pki"
)

// CertificateCheck reports the served certificate's validity. A certificate
// expiring within warnBefore is degraded; a missing or expired one is
// unhealthy. current is called on every probe.
func CertificateCheck(current func() *pki.Certificate, warnBefore time.Duration) CheckFunc {
	return func() Check {
		cert := current()
		if cert == nil {
			return Check{Status: StatusUnhealthy, Message: "no certificate loaded"}
		}
		left := time.Until(cert.NotAfter())
		switch {
		case left <= 0:
			return Check{Status: StatusUnhealthy, Message: "certificate expired at " + cert.NotAfter().UTC().Format(time.RFC3339)}
		case left < warnBefore:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("certificate expires in %s", left.Round(time.Minute))}
		default:
			return Check{Status: StatusHealthy, Message: "expires " + cert.NotAfter().UTC().Format(time.RFC3339)}
		}
	}
}

// ErrorCheck turns the last error of a background task into a check. A
// failing reload leaves the previous material in service, so it degrades
// rather than fails readiness.
func ErrorCheck(last func() error) CheckFunc {
	return func() Check {
		if err := last(); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
