package truststore

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"strings"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// maxChainLength bounds chain building when no depth limit is configured.
const maxChainLength = 32

// VerifyHook receives every verification notification. ok reports whether
// the check at vctx.ErrorDepth() passed; when it did not, vctx.Error() holds
// the failure code. Returning true continues verification, overriding a
// failure; returning false stops it. A non-nil error aborts verification and
// is returned unchanged.
type VerifyHook func(ok bool, vctx *VerificationContext) (bool, error)

// VerifyOption adjusts a single verification.
type VerifyOption func(*verifyParams)

type verifyParams struct {
	untrusted []*pki.Certificate
	atTime    time.Time
	flags     Flags
	depth     int
	purposes  []x509.ExtKeyUsage
	hook      VerifyHook
	exData    any
}

// WithUntrusted supplies extra untrusted certificates for chain building.
func WithUntrusted(certs ...*pki.Certificate) VerifyOption {
	return func(p *verifyParams) {
		p.untrusted = append(p.untrusted, certs...)
	}
}

// WithTime verifies as of at instead of the wall clock.
func WithTime(at time.Time) VerifyOption {
	return func(p *verifyParams) {
		p.atTime = at
	}
}

// WithFlags adds flags to the store defaults.
func WithFlags(flags Flags) VerifyOption {
	return func(p *verifyParams) {
		p.flags |= flags
	}
}

// WithDepth overrides the store's intermediate depth limit.
func WithDepth(depth int) VerifyOption {
	return func(p *verifyParams) {
		p.depth = depth
	}
}

// WithPurpose overrides the extended key usages the leaf must allow.
func WithPurpose(usages ...x509.ExtKeyUsage) VerifyOption {
	return func(p *verifyParams) {
		p.purposes = usages
	}
}

// WithHook installs a notification hook.
func WithHook(hook VerifyHook) VerifyOption {
	return func(p *verifyParams) {
		p.hook = hook
	}
}

// WithExData attaches an application value the hook can read back.
func WithExData(v any) VerifyOption {
	return func(p *verifyParams) {
		p.exData = v
	}
}

// VerificationContext carries the state of one verification: the candidate
// chain, the chain built so far, and the current depth and error code.
type VerificationContext struct {
	store  *Store
	params verifyParams
	input  []*pki.Certificate

	certs []*x509.Certificate
	objs  []*pki.Certificate

	code    Code
	depth   int
	result  Code
	current *pki.Certificate
}

// NewVerificationContext prepares a verification of chain (leaf first).
// Store defaults are captured now; later store changes do not affect it.
func (s *Store) NewVerificationContext(chain []*pki.Certificate, opts ...VerifyOption) (*VerificationContext, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, sslerr.NewConfigurationError("chain", "a leaf certificate is required")
	}

	p := verifyParams{}
	err := s.read(func(st *storeState) error {
		p.flags = st.flags
		p.atTime = st.atTime
		p.depth = st.depth
		p.purposes = st.purposes
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&p)
	}

	for _, c := range append(append([]*pki.Certificate(nil), chain...), p.untrusted...) {
		if c == nil || c.X509() == nil {
			return nil, pki.ErrNotSigned
		}
	}

	return &VerificationContext{
		store:  s,
		params: p,
		input:  chain,
	}, nil
}

// Verify builds and checks a chain for chain[0]. On success it returns the
// built chain from leaf to trust anchor. The store is not modified.
func (s *Store) Verify(chain []*pki.Certificate, opts ...VerifyOption) ([]*pki.Certificate, error) {
	vctx, err := s.NewVerificationContext(chain, opts...)
	if err != nil {
		return nil, err
	}
	return vctx.Verify()
}

// Store returns the store the context verifies against.
func (v *VerificationContext) Store() *Store {
	return v.store
}

// ExData returns the application value attached with WithExData.
func (v *VerificationContext) ExData() any {
	return v.params.exData
}

// Chain returns the chain built so far.
func (v *VerificationContext) Chain() []*pki.Certificate {
	return append([]*pki.Certificate(nil), v.objs...)
}

// CurrentCertificate returns the certificate the last notification was about.
func (v *VerificationContext) CurrentCertificate() *pki.Certificate {
	return v.current
}

// ErrorDepth returns the depth of the last notification.
func (v *VerificationContext) ErrorDepth() int {
	return v.depth
}

// Error returns the code of the last notification.
func (v *VerificationContext) Error() Code {
	return v.code
}

// Result returns the last failure code seen, including failures a hook
// chose to override, or CodeOK.
func (v *VerificationContext) Result() Code {
	return v.result
}

type candidate struct {
	cert    *x509.Certificate
	obj     *pki.Certificate
	trusted bool
}

type storeSnapshot struct {
	trusted []candidate
	index   map[[sha256.Size]byte]struct{}
	crls    []*x509.RevocationList
}

func (v *VerificationContext) snapshot() (*storeSnapshot, error) {
	snap := &storeSnapshot{index: make(map[[sha256.Size]byte]struct{})}
	err := v.store.read(func(st *storeState) error {
		for _, c := range st.certs {
			x := c.X509()
			if x == nil {
				continue
			}
			snap.trusted = append(snap.trusted, candidate{cert: x, obj: c, trusted: true})
			snap.index[sha256.Sum256(x.Raw)] = struct{}{}
		}
		for _, l := range st.crls {
			_ = l.Borrow(func(crl *x509.RevocationList) error {
				snap.crls = append(snap.crls, crl)
				return nil
			})
		}
		return nil
	})
	return snap, err
}

// Verify runs the verification. It may be called once.
func (v *VerificationContext) Verify() ([]*pki.Certificate, error) {
	snap, err := v.snapshot()
	if err != nil {
		return nil, err
	}

	trustedFrom, tooLong := v.build(snap)
	if err := v.checkCompleteness(trustedFrom, tooLong); err != nil {
		return nil, err
	}
	if err := v.checkPolicy(); err != nil {
		return nil, err
	}
	if err := v.checkRevocation(snap); err != nil {
		return nil, err
	}
	if err := v.checkValidity(); err != nil {
		return nil, err
	}

	v.store.logger.Debug("certificate chain verified")
	return v.Chain(), nil
}

func (v *VerificationContext) now() time.Time {
	if !v.params.atTime.IsZero() {
		return v.params.atTime
	}
	return time.Now()
}

// build extends the leaf with issuers, preferring trusted ones. Once a
// trusted certificate is part of the chain only trusted issuers are added.
func (v *VerificationContext) build(snap *storeSnapshot) (trustedFrom int, tooLong bool) {
	var untrusted []candidate
	for _, c := range v.input[1:] {
		untrusted = append(untrusted, candidate{cert: c.X509(), obj: c})
	}
	for _, c := range v.params.untrusted {
		untrusted = append(untrusted, candidate{cert: c.X509(), obj: c})
	}

	maxLen := maxChainLength
	if v.params.depth >= 0 && v.params.depth+2 < maxLen {
		maxLen = v.params.depth + 2
	}

	leaf := v.input[0].X509()
	v.certs = []*x509.Certificate{leaf}
	v.objs = []*pki.Certificate{v.input[0]}
	seen := map[[sha256.Size]byte]struct{}{sha256.Sum256(leaf.Raw): {}}

	trustedFrom = -1
	if _, ok := snap.index[sha256.Sum256(leaf.Raw)]; ok {
		trustedFrom = 0
	}

	for {
		cur := v.certs[len(v.certs)-1]
		if pki.IsSelfSigned(cur) {
			break
		}
		if trustedFrom >= 0 && v.params.flags.Has(FlagPartialChain) {
			break
		}

		next, ok := findIssuer(cur, snap.trusted, seen)
		if !ok && trustedFrom < 0 {
			next, ok = findIssuer(cur, untrusted, seen)
		}
		if !ok {
			break
		}
		if len(v.certs) >= maxLen {
			return trustedFrom, true
		}

		sum := sha256.Sum256(next.cert.Raw)
		seen[sum] = struct{}{}
		v.certs = append(v.certs, next.cert)
		v.objs = append(v.objs, next.obj)

		if _, inStore := snap.index[sum]; trustedFrom < 0 && (next.trusted || inStore) {
			trustedFrom = len(v.certs) - 1
		}
	}

	return trustedFrom, false
}

func findIssuer(cert *x509.Certificate, pool []candidate, seen map[[sha256.Size]byte]struct{}) (candidate, bool) {
	for _, c := range pool {
		if _, ok := seen[sha256.Sum256(c.cert.Raw)]; ok {
			continue
		}
		if !bytes.Equal(cert.RawIssuer, c.cert.RawSubject) {
			continue
		}
		if c.cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil {
			return c, true
		}
	}
	return candidate{}, false
}

// report delivers a failure notification. It returns nil when verification
// should continue.
func (v *VerificationContext) report(code Code, depth int) error {
	v.code = code
	v.depth = depth
	v.current = v.objs[depth]
	v.result = code

	if v.params.hook != nil {
		ok, err := v.params.hook(false, v)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	v.store.logger.Debug("certificate verification failed",
		observability.Int("code", int(code)),
		observability.Int("depth", depth),
	)
	return NewVerificationError(code, depth, v.objs[depth])
}

// pass delivers a success notification for depth.
func (v *VerificationContext) pass(depth int) error {
	v.code = CodeOK
	v.depth = depth
	v.current = v.objs[depth]

	if v.params.hook == nil {
		return nil
	}
	ok, err := v.params.hook(true, v)
	if err != nil {
		return err
	}
	if !ok {
		v.code = CodeApplicationVerification
		v.result = CodeApplicationVerification
		return NewVerificationError(CodeApplicationVerification, depth, v.objs[depth])
	}
	return nil
}

func (v *VerificationContext) checkCompleteness(trustedFrom int, tooLong bool) error {
	n := len(v.certs)
	top := v.certs[n-1]
	selfSigned := pki.IsSelfSigned(top)

	switch {
	case tooLong:
		return v.report(CodeCertChainTooLong, n-1)
	case trustedFrom < 0 && selfSigned && n == 1:
		return v.report(CodeDepthZeroSelfSignedCert, 0)
	case trustedFrom < 0 && selfSigned:
		return v.report(CodeSelfSignedCertInChain, n-1)
	case trustedFrom < 0:
		return v.report(CodeUnableToGetIssuerCertLocally, n-1)
	case !selfSigned && !v.params.flags.Has(FlagPartialChain):
		return v.report(CodeUnableToGetIssuerCert, n-1)
	}
	return nil
}

// checkPolicy enforces CA constraints, path length limits, the requested
// purpose and name constraints.
func (v *VerificationContext) checkPolicy() error {
	reported := false
	fail := func(code Code, depth int) error {
		reported = true
		return v.report(code, depth)
	}

	for i, c := range v.certs {
		if len(c.UnhandledCriticalExtensions) > 0 {
			if err := fail(CodeUnhandledCriticalExtension, i); err != nil {
				return err
			}
		}
		if i == 0 {
			continue
		}
		if !isCA(c) {
			if err := fail(CodeInvalidCA, i); err != nil {
				return err
			}
		}
		if c.MaxPathLen > 0 || c.MaxPathLenZero {
			// intermediates below c, excluding the leaf
			if i-1 > c.MaxPathLen {
				if err := fail(CodePathLengthExceeded, i); err != nil {
					return err
				}
			}
		}
	}

	if !allowsPurpose(v.certs[0], v.params.purposes) {
		if err := fail(CodeInvalidPurpose, 0); err != nil {
			return err
		}
	}

	if reported {
		return nil
	}

	// Remaining constraints are delegated to the standard verifier run over
	// exactly the chain built above.
	if code, depth, ok := v.stdlibPolicy(); !ok {
		return v.report(code, depth)
	}
	return nil
}

func isCA(c *x509.Certificate) bool {
	if c.Version < 3 {
		return true
	}
	if !c.BasicConstraintsValid || !c.IsCA {
		return false
	}
	return c.KeyUsage == 0 || c.KeyUsage&x509.KeyUsageCertSign != 0
}

func allowsPurpose(leaf *x509.Certificate, purposes []x509.ExtKeyUsage) bool {
	if len(purposes) == 0 || len(leaf.ExtKeyUsage) == 0 {
		return true
	}
	for _, have := range leaf.ExtKeyUsage {
		if have == x509.ExtKeyUsageAny {
			return true
		}
		for _, want := range purposes {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (v *VerificationContext) stdlibPolicy() (Code, int, bool) {
	n := len(v.certs)
	roots := x509.NewCertPool()
	roots.AddCert(v.certs[n-1])
	intermediates := x509.NewCertPool()
	if n > 2 {
		for _, c := range v.certs[1 : n-1] {
			intermediates.AddCert(c)
		}
	}

	_, err := v.certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.policyTime(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return CodeOK, 0, true
	}

	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		depth := v.depthOf(invalid.Cert)
		switch invalid.Reason {
		case x509.Expired:
			return CodeOK, 0, true
		case x509.NotAuthorizedToSign:
			return CodeInvalidCA, depth, false
		case x509.TooManyIntermediates:
			return CodePathLengthExceeded, depth, false
		case x509.CANotAuthorizedForThisName, x509.NameConstraintsWithoutSANs, x509.TooManyConstraints:
			return CodePermittedViolation, depth, false
		case x509.IncompatibleUsage, x509.CANotAuthorizedForExtKeyUsage:
			return CodeInvalidPurpose, depth, false
		}
		return CodeUnspecified, depth, false
	}

	// Constraint failures met while walking issuers are only described in
	// the message of the unknown authority error.
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) && strings.Contains(err.Error(), "not authorized for this name") {
		return CodePermittedViolation, 0, false
	}
	return CodeUnspecified, 0, false
}

// policyTime returns a time inside every validity window of the chain when
// one exists, so validity is judged by checkValidity alone.
func (v *VerificationContext) policyTime() time.Time {
	var lo, hi time.Time
	for i, c := range v.certs {
		if i == 0 || c.NotBefore.After(lo) {
			lo = c.NotBefore
		}
		if i == 0 || c.NotAfter.Before(hi) {
			hi = c.NotAfter
		}
	}
	now := v.now()
	switch {
	case lo.After(hi):
		return now
	case now.Before(lo):
		return lo
	case now.After(hi):
		return hi
	default:
		return now
	}
}

func (v *VerificationContext) depthOf(cert *x509.Certificate) int {
	for i, c := range v.certs {
		if cert != nil && c.Equal(cert) {
			return i
		}
	}
	return 0
}

func (v *VerificationContext) checkRevocation(snap *storeSnapshot) error {
	flags := v.params.flags
	if !flags.Has(FlagCRLCheck) && !flags.Has(FlagCRLCheckAll) {
		return nil
	}

	n := len(v.certs)
	last := 0
	if flags.Has(FlagCRLCheckAll) {
		last = n - 1
		if n > 1 && pki.IsSelfSigned(v.certs[n-1]) {
			last = n - 2
		}
	}

	now := v.now()
	for i := 0; i <= last; i++ {
		cert := v.certs[i]

		var issuer *x509.Certificate
		switch {
		case i+1 < n:
			issuer = v.certs[i+1]
		case pki.IsSelfSigned(cert):
			issuer = cert
		}

		var lists []*x509.RevocationList
		if issuer != nil {
			for _, crl := range snap.crls {
				if bytes.Equal(crl.RawIssuer, issuer.RawSubject) && crl.CheckSignatureFrom(issuer) == nil {
					lists = append(lists, crl)
				}
			}
		}
		if len(lists) == 0 {
			if err := v.report(CodeUnableToGetCRL, i); err != nil {
				return err
			}
			continue
		}

		for _, crl := range lists {
			if !flags.Has(FlagNoCheckTime) {
				if now.Before(crl.ThisUpdate) {
					if err := v.report(CodeCRLNotYetValid, i); err != nil {
						return err
					}
				} else if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
					if err := v.report(CodeCRLHasExpired, i); err != nil {
						return err
					}
				}
			}
			if isRevoked(crl, cert) {
				if err := v.report(CodeCertRevoked, i); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func isRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, e := range crl.RevokedCertificateEntries {
		if e.SerialNumber != nil && e.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// checkValidity walks the chain from the trust anchor down to the leaf,
// checking validity periods and notifying the hook once per depth.
func (v *VerificationContext) checkValidity() error {
	now := v.now()
	for i := len(v.certs) - 1; i >= 0; i-- {
		c := v.certs[i]
		if !v.params.flags.Has(FlagNoCheckTime) {
			var err error
			switch {
			case now.Before(c.NotBefore):
				err = v.report(CodeCertNotYetValid, i)
			case now.After(c.NotAfter):
				err = v.report(CodeCertHasExpired, i)
			}
			if err != nil {
				return err
			}
		}
		if err := v.pass(i); err != nil {
			return err
		}
	}
	return nil
}
