package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

// errVerifyFailed is returned when at least one certificate did not verify.
var errVerifyFailed = errors.New("verification failed")

var purposes = map[string]x509.ExtKeyUsage{
	"server": x509.ExtKeyUsageServerAuth,
	"client": x509.ExtKeyUsageClientAuth,
	"any":    x509.ExtKeyUsageAny,
}

type verifyFlags struct {
	caFile    string
	caDir     string
	untrusted string
	crlFile   string
	crlAll    bool
	partial   bool
	purpose   string
	at        string
	depth     int
	verbose   bool

	untrustedCerts []*pki.Certificate
}

func runVerify(args []string, stdout, stderr io.Writer) error {
	var vf verifyFlags
	fs := newFlagSet("verify", stderr)
	fs.StringVar(&vf.caFile, "CAfile", "", "PEM bundle of trusted certificates (and CRLs)")
	fs.StringVar(&vf.caDir, "CApath", "", "Directory of PEM trusted certificates")
	fs.StringVar(&vf.untrusted, "untrusted", "", "PEM bundle of intermediate certificates")
	fs.StringVar(&vf.crlFile, "CRLfile", "", "PEM bundle of CRLs; enables leaf revocation checks")
	fs.BoolVar(&vf.crlAll, "crl_check_all", false, "Check every chain certificate against the CRLs")
	fs.BoolVar(&vf.partial, "partial_chain", false, "Accept chains ending in any trusted certificate")
	fs.StringVar(&vf.purpose, "purpose", "", "Required purpose: server, client or any")
	fs.StringVar(&vf.at, "attime", "", "Verify at this RFC 3339 time instead of now")
	fs.IntVar(&vf.depth, "verify_depth", -1, "Maximum number of intermediates")
	fs.BoolVar(&vf.verbose, "v", false, "Print the built chain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "avatls verify: at least one certificate file is required")
		fs.Usage()
		return errUsage
	}

	store, opts, err := vf.prepare()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Free()
		for _, c := range vf.untrustedCerts {
			_ = c.Free()
		}
	}()

	failed := false
	for _, path := range fs.Args() {
		if err := verifyFile(stdout, store, path, vf.verbose, opts); err != nil {
			failed = true
			fmt.Fprintf(stdout, "%s: %v\n", path, err)
		}
	}
	if failed {
		return errVerifyFailed
	}
	return nil
}

// prepare builds the trust store and verification options from the flags.
func (vf *verifyFlags) prepare() (store *truststore.Store, opts []truststore.VerifyOption, err error) {
	store, err = truststore.New(truststore.WithLogger(observability.NopLogger()))
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, store.Free())
			store = nil
		}
	}()

	if vf.caFile != "" || vf.caDir != "" {
		if err = store.LoadLocations(vf.caFile, vf.caDir); err != nil {
			return store, nil, err
		}
	}

	var flags truststore.Flags
	if vf.crlFile != "" {
		data, rerr := os.ReadFile(vf.crlFile)
		if rerr != nil {
			return store, nil, fmt.Errorf("read crl file: %w", rerr)
		}
		crls, lerr := pki.LoadRevocationLists(data)
		if lerr != nil {
			return store, nil, lerr
		}
		for _, crl := range crls {
			err = multierr.Append(err, store.AddRevocationList(crl))
			_ = crl.Free()
		}
		if err != nil {
			return store, nil, err
		}
		flags |= truststore.FlagCRLCheck
	}
	if vf.crlAll {
		flags |= truststore.FlagCRLCheck | truststore.FlagCRLCheckAll
	}
	if vf.partial {
		flags |= truststore.FlagPartialChain
	}
	opts = append(opts, truststore.WithFlags(flags))

	if vf.untrusted != "" {
		certs, lerr := loadCertificateFile(vf.untrusted)
		if lerr != nil {
			return store, nil, lerr
		}
		vf.untrustedCerts = certs
		opts = append(opts, truststore.WithUntrusted(certs...))
	}
	if vf.purpose != "" {
		usage, ok := purposes[strings.ToLower(vf.purpose)]
		if !ok {
			return store, nil, fmt.Errorf("unknown purpose %q", vf.purpose)
		}
		opts = append(opts, truststore.WithPurpose(usage))
	}
	if vf.at != "" {
		at, perr := time.Parse(time.RFC3339, vf.at)
		if perr != nil {
			return store, nil, fmt.Errorf("invalid -attime: %w", perr)
		}
		opts = append(opts, truststore.WithTime(at))
	}
	if vf.depth >= 0 {
		opts = append(opts, truststore.WithDepth(vf.depth))
	}
	return store, opts, nil
}

// verifyFile verifies the first certificate in path; the rest of the file is
// offered as intermediates.
func verifyFile(w io.Writer, store *truststore.Store, path string, verbose bool, opts []truststore.VerifyOption) error {
	certs, err := loadCertificateFile(path)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range certs {
			_ = c.Free()
		}
	}()

	vctx, err := store.NewVerificationContext(certs, opts...)
	if err != nil {
		return err
	}
	chain, err := vctx.Verify()
	if err != nil {
		var verr *truststore.VerificationError
		if errors.As(err, &verr) {
			subject := "unknown"
			if verr.Certificate != nil {
				name := verr.Certificate.Subject()
				subject = name.String()
			}
			return fmt.Errorf("error %d at %d depth lookup: %s (%s)", int(verr.Code), verr.Depth, verr.Code, subject)
		}
		return err
	}

	fmt.Fprintf(w, "%s: OK\n", path)
	if verbose {
		fmt.Fprintf(w, "  chain: %s\n", chainSummary(chain))
	}
	return nil
}

func loadCertificateFile(path string) ([]*pki.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return pki.LoadCertificates(data)
}

// splitList splits a comma separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
