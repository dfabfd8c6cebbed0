package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/pki"
)

const (
	defaultRSABits  = 2048
	defaultKeyDays  = 365
	privateFileMode = 0o600
	publicFileMode  = 0o644
)

type genKeyFlags struct {
	keyType    string
	bits       int
	curve      string
	out        string
	format     string
	cipher     string
	passphrase string

	certOut    string
	commonName string
	hosts      string
	days       int
	isCA       bool
	issuerCert string
	issuerKey  string
	issuerPass string

	pkcs12Out  string
	pkcs12Pass string
}

func runGenKey(args []string, stdout, stderr io.Writer) error {
	var gf genKeyFlags
	fs := newFlagSet("genkey", stderr)
	fs.StringVar(&gf.keyType, "type", "rsa", "Key type: rsa, ec or ed25519")
	fs.IntVar(&gf.bits, "bits", defaultRSABits, "RSA modulus size")
	fs.StringVar(&gf.curve, "curve", "P-256", "EC curve name")
	fs.StringVar(&gf.out, "out", "", "Key output file; stdout when empty")
	fs.StringVar(&gf.format, "format", "PEM", "Output format: PEM or DER")
	fs.StringVar(&gf.cipher, "cipher", "", "Encrypt the key with this cipher, for example aes-256-cbc")
	fs.StringVar(&gf.passphrase, "passphrase", getEnvOrDefault("AVATLS_KEY_PASSPHRASE", ""), "Key encryption passphrase")
	fs.StringVar(&gf.certOut, "cert", "", "Also write a certificate for the key to this file")
	fs.StringVar(&gf.commonName, "cn", "localhost", "Certificate common name")
	fs.StringVar(&gf.hosts, "hosts", "", "Comma separated DNS names and IP addresses")
	fs.IntVar(&gf.days, "days", defaultKeyDays, "Certificate validity in days")
	fs.BoolVar(&gf.isCA, "ca", false, "Issue a CA certificate")
	fs.StringVar(&gf.issuerCert, "issuer-cert", "", "Sign with this CA certificate instead of self-signing")
	fs.StringVar(&gf.issuerKey, "issuer-key", "", "Private key of -issuer-cert")
	fs.StringVar(&gf.issuerPass, "issuer-passphrase", "", "Passphrase of -issuer-key")
	fs.StringVar(&gf.pkcs12Out, "pkcs12", "", "Also write a PKCS#12 container to this file; requires -cert")
	fs.StringVar(&gf.pkcs12Pass, "pkcs12-passphrase", "", "PKCS#12 container passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := gf.validate(); err != nil {
		fmt.Fprintf(stderr, "avatls genkey: %v\n", err)
		fs.Usage()
		return errUsage
	}

	format, err := pki.ParseFormat(gf.format)
	if err != nil {
		return err
	}
	key, err := gf.generate()
	if err != nil {
		return err
	}
	defer func() { _ = key.Free() }()

	var dumpOpts []pki.DumpOption
	if gf.cipher != "" {
		dumpOpts = append(dumpOpts, pki.WithCipher(gf.cipher), pki.WithPassphrase([]byte(gf.passphrase)))
	}
	keyData, err := key.Dump(format, dumpOpts...)
	if err != nil {
		return err
	}
	if err := writeOutput(stdout, gf.out, keyData, privateFileMode); err != nil {
		return err
	}

	if gf.certOut == "" {
		return nil
	}
	return gf.issue(stdout, key, format)
}

func (gf *genKeyFlags) validate() error {
	switch {
	case gf.cipher != "" && gf.passphrase == "":
		return fmt.Errorf("-cipher needs -passphrase")
	case gf.pkcs12Out != "" && gf.certOut == "":
		return fmt.Errorf("-pkcs12 needs -cert")
	case (gf.issuerCert == "") != (gf.issuerKey == ""):
		return fmt.Errorf("-issuer-cert and -issuer-key go together")
	case gf.days <= 0:
		return fmt.Errorf("-days must be positive")
	}
	return nil
}

func (gf *genKeyFlags) generate() (*pki.PrivateKey, error) {
	switch strings.ToLower(gf.keyType) {
	case "rsa":
		return pki.GenerateKey(pki.KeyRSA, gf.bits)
	case "ec", "ecdsa":
		curve, err := pki.CurveByName(gf.curve)
		if err != nil {
			return nil, err
		}
		return pki.GenerateECKey(curve)
	case "ed25519":
		return pki.GenerateKey(pki.KeyEd25519, 0)
	default:
		return nil, fmt.Errorf("unknown key type %q", gf.keyType)
	}
}

// issue writes a certificate for key, self-signed unless an issuer is given,
// plus the optional PKCS#12 container.
func (gf *genKeyFlags) issue(stdout io.Writer, key *pki.PrivateKey, format pki.Format) (err error) {
	issuer, issuerKey, err := gf.loadIssuer()
	if err != nil {
		return err
	}
	defer func() {
		if issuer != nil {
			err = multierr.Append(err, issuer.Free())
			err = multierr.Append(err, issuerKey.Free())
		}
	}()

	opts := []pki.CertificateOption{
		pki.WithCommonName(gf.commonName),
		pki.WithValidity(time.Now(), time.Duration(gf.days)*24*time.Hour),
	}
	if hosts := splitList(gf.hosts); len(hosts) > 0 {
		opts = append(opts, pki.WithHosts(hosts...))
	}
	if gf.isCA {
		opts = append(opts, pki.WithCA(-1))
	}

	signer := key
	if issuerKey != nil {
		signer = issuerKey
	}
	cert, err := pki.IssueCertificate(key, issuer, signer, opts...)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, cert.Free()) }()

	certData, err := cert.Dump(format)
	if err != nil {
		return err
	}
	if err := writeOutput(stdout, gf.certOut, certData, publicFileMode); err != nil {
		return err
	}

	if gf.pkcs12Out == "" {
		return nil
	}
	var chain []*pki.Certificate
	if issuer != nil {
		chain = append(chain, issuer)
	}
	bundle, err := pki.DumpPKCS12(key, cert, chain, gf.pkcs12Pass)
	if err != nil {
		return err
	}
	return writeOutput(stdout, gf.pkcs12Out, bundle, privateFileMode)
}

func (gf *genKeyFlags) loadIssuer() (*pki.Certificate, *pki.PrivateKey, error) {
	if gf.issuerCert == "" {
		return nil, nil, nil
	}
	certs, err := loadCertificateFile(gf.issuerCert)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range certs[1:] {
		_ = c.Free()
	}
	data, err := os.ReadFile(gf.issuerKey)
	if err != nil {
		_ = certs[0].Free()
		return nil, nil, fmt.Errorf("read %s: %w", gf.issuerKey, err)
	}
	key, err := pki.LoadPrivateKey(data, pki.FormatPEM, []byte(gf.issuerPass))
	if err != nil {
		_ = certs[0].Free()
		return nil, nil, err
	}
	return certs[0], key, nil
}

// writeOutput writes data to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path string, data []byte, mode os.FileMode) error {
	if path == "" || path == "-" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
