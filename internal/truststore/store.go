// Package truststore holds trusted certificates and revocation lists and
// verifies certificate chains against them.
package truststore

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatls/internal/handle"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// KindStore is the handle kind of trust stores.
const KindStore = "x509_store"

// Flags adjust chain verification.
type Flags uint32

const (
	// FlagCRLCheck checks the leaf certificate against the loaded CRLs.
	FlagCRLCheck Flags = 1 << iota
	// FlagCRLCheckAll checks every certificate of the chain against the CRLs.
	FlagCRLCheckAll
	// FlagPartialChain accepts a chain that ends in any trusted certificate,
	// not only a self-signed one.
	FlagPartialChain
	// FlagNoCheckTime skips validity period checks.
	FlagNoCheckTime
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

type storeState struct {
	mu       sync.RWMutex
	certs    []*pki.Certificate
	index    map[[sha256.Size]byte]struct{}
	crls     []*pki.RevocationList
	flags    Flags
	atTime   time.Time
	depth    int
	purposes []x509.ExtKeyUsage
}

// Store is a set of trusted certificates plus revocation lists. Certificates
// are kept by content: adding the same certificate twice is a no-op.
//
// A Store is safe for concurrent use.
type Store struct {
	h      *handle.Handle[*storeState]
	logger observability.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty store.
func New(opts ...Option) (*Store, error) {
	h, err := handle.Acquire(nil, KindStore, func() (*storeState, error) {
		return &storeState{
			index: make(map[[sha256.Size]byte]struct{}),
			depth: -1,
		}, nil
	}, releaseState)
	if err != nil {
		return nil, err
	}

	s := &Store{h: h, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func releaseState(st *storeState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.certs {
		_ = c.Free()
	}
	for _, l := range st.crls {
		_ = l.Free()
	}
	st.certs, st.crls, st.index = nil, nil, nil
}

// Retain adds an owning reference for a new holder.
func (s *Store) Retain() error {
	return s.h.Retain()
}

// Free drops the caller's reference. The store's certificates and CRLs are
// released with the last reference.
func (s *Store) Free() error {
	return s.h.Release()
}

func (s *Store) read(fn func(st *storeState) error) error {
	return s.h.Borrow(func(st *storeState) error {
		st.mu.RLock()
		defer st.mu.RUnlock()
		return fn(st)
	})
}

func (s *Store) write(fn func(st *storeState) error) error {
	return s.h.Borrow(func(st *storeState) error {
		st.mu.Lock()
		defer st.mu.Unlock()
		return fn(st)
	})
}

// AddCertificate trusts cert. Re-adding a certificate with the same DER
// encoding succeeds without changing the store.
func (s *Store) AddCertificate(cert *pki.Certificate) error {
	if cert == nil {
		return sslerr.NewConfigurationError("certificate", "certificate is required")
	}
	x := cert.X509()
	if x == nil {
		return fmt.Errorf("trust store: %w", pki.ErrNotSigned)
	}
	sum := sha256.Sum256(x.Raw)

	return s.write(func(st *storeState) error {
		if _, ok := st.index[sum]; ok {
			s.logger.Debug("certificate already trusted",
				observability.String("subject", x.Subject.String()))
			return nil
		}
		if err := cert.Retain(); err != nil {
			return err
		}
		st.index[sum] = struct{}{}
		st.certs = append(st.certs, cert)
		return nil
	})
}

// AddRevocationList adds crl. Lists accumulate; a later list for the same
// issuer does not replace an earlier one.
func (s *Store) AddRevocationList(crl *pki.RevocationList) error {
	if crl == nil {
		return sslerr.NewConfigurationError("crl", "revocation list is required")
	}
	return s.write(func(st *storeState) error {
		if err := crl.Retain(); err != nil {
			return err
		}
		st.crls = append(st.crls, crl)
		return nil
	})
}

// SetFlags sets the default verification flags.
func (s *Store) SetFlags(flags Flags) error {
	return s.write(func(st *storeState) error {
		st.flags = flags
		return nil
	})
}

// SetTime sets the default verification time. The zero time restores the
// wall clock.
func (s *Store) SetTime(at time.Time) error {
	return s.write(func(st *storeState) error {
		st.atTime = at
		return nil
	})
}

// SetDepth limits the number of intermediate certificates a verified chain
// may contain. A negative depth removes the limit.
func (s *Store) SetDepth(depth int) error {
	return s.write(func(st *storeState) error {
		st.depth = depth
		return nil
	})
}

// SetPurpose sets the extended key usages the leaf must be valid for.
func (s *Store) SetPurpose(usages ...x509.ExtKeyUsage) error {
	return s.write(func(st *storeState) error {
		st.purposes = append([]x509.ExtKeyUsage(nil), usages...)
		return nil
	})
}

// Certificates returns the trusted certificates in insertion order.
func (s *Store) Certificates() []*pki.Certificate {
	var out []*pki.Certificate
	_ = s.read(func(st *storeState) error {
		out = append(out, st.certs...)
		return nil
	})
	return out
}

// RevocationLists returns the loaded revocation lists.
func (s *Store) RevocationLists() []*pki.RevocationList {
	var out []*pki.RevocationList
	_ = s.read(func(st *storeState) error {
		out = append(out, st.crls...)
		return nil
	})
	return out
}

// Len returns the number of trusted certificates.
func (s *Store) Len() int {
	n := 0
	_ = s.read(func(st *storeState) error {
		n = len(st.certs)
		return nil
	})
	return n
}

// Pool returns the trusted certificates as an x509.CertPool.
func (s *Store) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range s.Certificates() {
		if x := c.X509(); x != nil {
			pool.AddCert(x)
		}
	}
	return pool
}

// Contains reports whether a certificate with the same DER encoding is trusted.
func (s *Store) Contains(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	sum := sha256.Sum256(cert.Raw)
	found := false
	_ = s.read(func(st *storeState) error {
		_, found = st.index[sum]
		return nil
	})
	return found
}

// LoadLocations trusts every certificate in the PEM bundle file and in the
// files directly under dir. CRLs found in file are added as well. Files in
// dir that hold no certificate are skipped.
func (s *Store) LoadLocations(file, dir string) error {
	if file == "" && dir == "" {
		return sslerr.NewConfigurationError("verify_locations", "file or directory is required")
	}

	if file != "" {
		if err := s.loadFile(file, true); err != nil {
			return err
		}
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return sslerr.NewConfigurationErrorWithCause("verify_locations",
				fmt.Sprintf("failed to read directory %s", dir), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			err := s.loadFile(filepath.Join(dir, e.Name()), false)
			if err != nil && !errors.Is(err, sslerr.ErrDecode) {
				return err
			}
		}
	}

	return nil
}

func (s *Store) loadFile(path string, withCRLs bool) error {
	//nolint:gosec // operator supplied trust location
	data, err := os.ReadFile(path)
	if err != nil {
		return sslerr.NewConfigurationErrorWithCause("verify_locations",
			fmt.Sprintf("failed to read %s", path), err)
	}

	certs, err := pki.LoadCertificates(data)
	if err != nil && !withCRLs {
		return err
	}
	for _, c := range certs {
		addErr := s.AddCertificate(c)
		_ = c.Free()
		if addErr != nil {
			return addErr
		}
	}

	loaded := len(certs)
	if withCRLs {
		crls, _ := pki.LoadRevocationLists(data)
		for _, l := range crls {
			addErr := s.AddRevocationList(l)
			_ = l.Free()
			if addErr != nil {
				return addErr
			}
		}
		loaded += len(crls)
	}

	if loaded == 0 {
		return sslerr.NewDecodeError("verify_locations", string(pki.FormatPEM),
			fmt.Sprintf("no certificates in %s", path))
	}

	s.logger.Debug("loaded verify location",
		observability.String("path", path),
		observability.Int("certificates", len(certs)),
	)
	return nil
}
