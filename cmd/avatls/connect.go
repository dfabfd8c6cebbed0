package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/probe"
	"github.com/vyrodovalexey/avatls/internal/ssl"
)

// connectReport is the JSON form of a probe result.
type connectReport struct {
	ConnectionID string       `json:"connectionId"`
	Version      string       `json:"version"`
	Cipher       string       `json:"cipher"`
	CipherBits   int          `json:"cipherBits"`
	ALPN         string       `json:"alpn,omitempty"`
	ServerName   string       `json:"serverName,omitempty"`
	Verify       string       `json:"verify"`
	Resumed      bool         `json:"resumed"`
	Handshake    string       `json:"handshake"`
	Chain        []chainEntry `json:"chain"`
	OCSP         *ocspReport  `json:"ocsp,omitempty"`
	Echo         string       `json:"echo,omitempty"`
}

type chainEntry struct {
	Subject  string   `json:"subject"`
	Issuer   string   `json:"issuer"`
	Serial   string   `json:"serial"`
	NotAfter string   `json:"notAfter"`
	DNSNames []string `json:"dnsNames,omitempty"`
}

type ocspReport struct {
	Status     string `json:"status,omitempty"`
	NextUpdate string `json:"nextUpdate,omitempty"`
	Error      string `json:"error,omitempty"`
}

func runConnect(args []string, stdout, stderr io.Writer) error {
	var flags commonFlags
	fs := newFlagSet("connect", stderr)
	flags.register(fs)
	address := fs.String("address", getEnvOrDefault("AVATLS_ADDRESS", ""), "Server address (host:port)")
	serverName := fs.String("servername", "", "SNI host name; defaults to the address host")
	timeout := fs.Duration("timeout", getEnvDuration("AVATLS_TIMEOUT", 0), "Overall timeout")
	caFile := fs.String("ca", "", "PEM bundle of trusted CAs; enables peer verification")
	insecure := fs.Bool("insecure", false, "Skip peer verification")
	requestOCSP := fs.Bool("ocsp", false, "Request a stapled OCSP response")
	requireOCSP := fs.Bool("require-ocsp", false, "Fail unless a good OCSP response is stapled")
	alpn := fs.String("alpn", "", "Comma separated ALPN protocols to offer")
	payload := fs.String("payload", "", "Data to send and expect echoed back")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	client := cfg.Client
	if client == nil {
		client = &config.ClientConfig{Timeout: config.DefaultClientTimeout}
	}
	opts := probe.Options{
		Address:     firstNonEmpty(*address, client.Address),
		ServerName:  firstNonEmpty(*serverName, client.ServerName),
		Timeout:     client.Timeout,
		RequestOCSP: client.RequestOCSP || *requestOCSP || *requireOCSP,
		Payload:     []byte(*payload),
	}
	if *timeout > 0 {
		opts.Timeout = *timeout
	}
	if opts.Address == "" {
		fmt.Fprintln(stderr, "avatls connect: -address is required")
		fs.Usage()
		return errUsage
	}

	tlsCfg := *cfg.TLS
	if *caFile != "" || *insecure {
		v := ssl.VerifyConfig{Mode: "peer", CAFile: *caFile}
		if tlsCfg.Verify != nil {
			v.Depth = tlsCfg.Verify.Depth
		}
		if *insecure {
			v = ssl.VerifyConfig{Mode: "none"}
		}
		tlsCfg.Verify = &v
	}
	if *alpn != "" {
		tlsCfg.ALPN = splitList(*alpn)
	}
	clientCfg := *cfg
	clientCfg.TLS = &tlsCfg
	clientCfg.Server = nil

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := newTelemetry(ctx, &clientCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tel.tracer.Shutdown(context.Background()) }()

	src, err := tel.newKeySource(clientCfg.KeySource)
	if err != nil {
		return err
	}
	built, err := tel.buildContext(ctx, &clientCfg, "client", src, nil)
	if err != nil {
		return fmt.Errorf("failed to build tls context: %w", err)
	}
	defer func() { _ = built.free() }()

	if opts.RequestOCSP {
		if err := probe.PrepareContext(built.ctx, *requireOCSP); err != nil {
			return err
		}
	}

	res, err := probe.Run(ctx, built.ctx, opts)
	if err != nil {
		logger.Debug("probe failed", observability.Error(err))
		return err
	}

	report := newConnectReport(res)
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(stdout, report)
	return nil
}

func newConnectReport(res *probe.Result) *connectReport {
	r := &connectReport{
		ConnectionID: res.ConnectionID,
		Version:      res.Version,
		Cipher:       res.Cipher,
		CipherBits:   res.CipherBits,
		ALPN:         res.ALPN,
		ServerName:   res.ServerName,
		Verify:       res.VerifyCode.String(),
		Resumed:      res.Resumed,
		Handshake:    res.HandshakeDuration.Round(time.Microsecond).String(),
		Echo:         string(res.Echo),
	}
	for _, c := range res.PeerChain {
		r.Chain = append(r.Chain, chainEntry{
			Subject:  c.Subject,
			Issuer:   c.Issuer,
			Serial:   c.Serial.String(),
			NotAfter: c.NotAfter.UTC().Format(time.RFC3339),
			DNSNames: c.DNSNames,
		})
	}
	switch {
	case res.OCSP != nil:
		r.OCSP = &ocspReport{Status: res.OCSP.Status}
		if !res.OCSP.NextUpdate.IsZero() {
			r.OCSP.NextUpdate = res.OCSP.NextUpdate.UTC().Format(time.RFC3339)
		}
	case res.OCSPError != nil:
		r.OCSP = &ocspReport{Error: res.OCSPError.Error()}
	}
	return r
}

func printReport(w io.Writer, r *connectReport) {
	fmt.Fprintf(w, "connection:  %s\n", r.ConnectionID)
	fmt.Fprintf(w, "protocol:    %s\n", r.Version)
	fmt.Fprintf(w, "cipher:      %s (%d bits)\n", r.Cipher, r.CipherBits)
	if r.ALPN != "" {
		fmt.Fprintf(w, "alpn:        %s\n", r.ALPN)
	}
	fmt.Fprintf(w, "verify:      %s\n", r.Verify)
	fmt.Fprintf(w, "resumed:     %t\n", r.Resumed)
	fmt.Fprintf(w, "handshake:   %s\n", r.Handshake)
	for i, c := range r.Chain {
		fmt.Fprintf(w, "chain[%d]:    %s (issuer %s, expires %s)\n", i, c.Subject, c.Issuer, c.NotAfter)
	}
	if r.OCSP != nil {
		if r.OCSP.Error != "" {
			fmt.Fprintf(w, "ocsp:        invalid (%s)\n", r.OCSP.Error)
		} else {
			fmt.Fprintf(w, "ocsp:        %s (next update %s)\n", r.OCSP.Status, r.OCSP.NextUpdate)
		}
	}
	if r.Echo != "" {
		fmt.Fprintf(w, "echo:        %q\n", r.Echo)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
