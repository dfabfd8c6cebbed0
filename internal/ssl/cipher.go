package ssl

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the cipher suite ID.
	ID uint16

	// Name is the IANA cipher suite name.
	Name string

	// OpenSSLName is the name OpenSSL uses in cipher lists.
	OpenSSLName string

	// Bits is the symmetric key strength.
	Bits int

	// Secure indicates if this is a secure cipher suite.
	Secure bool

	// FIPS indicates if this cipher suite is FIPS-compliant.
	FIPS bool

	// TLS13 indicates if this is a TLS 1.3 cipher suite.
	TLS13 bool

	kx, auth, enc, mac string
}

// cipherSuiteRegistry lists the suites the engine implements, most preferred first.
var cipherSuiteRegistry = []CipherSuite{
	// TLS 1.3 cipher suites (always secure)
	{ID: tls.TLS_AES_128_GCM_SHA256, Name: "TLS_AES_128_GCM_SHA256", OpenSSLName: "TLS_AES_128_GCM_SHA256",
		Bits: 128, Secure: true, FIPS: true, TLS13: true, enc: "AESGCM", mac: "SHA256"},
	{ID: tls.TLS_AES_256_GCM_SHA384, Name: "TLS_AES_256_GCM_SHA384", OpenSSLName: "TLS_AES_256_GCM_SHA384",
		Bits: 256, Secure: true, FIPS: true, TLS13: true, enc: "AESGCM", mac: "SHA384"},
	{ID: tls.TLS_CHACHA20_POLY1305_SHA256, Name: "TLS_CHACHA20_POLY1305_SHA256", OpenSSLName: "TLS_CHACHA20_POLY1305_SHA256",
		Bits: 256, Secure: true, TLS13: true, enc: "CHACHA20", mac: "SHA256"},

	// TLS 1.2 ECDHE AEAD suites
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		OpenSSLName: "ECDHE-ECDSA-AES256-GCM-SHA384", Bits: 256, Secure: true, FIPS: true,
		kx: "ECDHE", auth: "ECDSA", enc: "AESGCM", mac: "SHA384"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		OpenSSLName: "ECDHE-RSA-AES256-GCM-SHA384", Bits: 256, Secure: true, FIPS: true,
		kx: "ECDHE", auth: "RSA", enc: "AESGCM", mac: "SHA384"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		OpenSSLName: "ECDHE-ECDSA-CHACHA20-POLY1305", Bits: 256, Secure: true,
		kx: "ECDHE", auth: "ECDSA", enc: "CHACHA20", mac: "SHA256"},
	{ID: tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
		OpenSSLName: "ECDHE-RSA-CHACHA20-POLY1305", Bits: 256, Secure: true,
		kx: "ECDHE", auth: "RSA", enc: "CHACHA20", mac: "SHA256"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		OpenSSLName: "ECDHE-ECDSA-AES128-GCM-SHA256", Bits: 128, Secure: true, FIPS: true,
		kx: "ECDHE", auth: "ECDSA", enc: "AESGCM", mac: "SHA256"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		OpenSSLName: "ECDHE-RSA-AES128-GCM-SHA256", Bits: 128, Secure: true, FIPS: true,
		kx: "ECDHE", auth: "RSA", enc: "AESGCM", mac: "SHA256"},

	// TLS 1.2 CBC and static RSA suites (legacy)
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256",
		OpenSSLName: "ECDHE-ECDSA-AES128-SHA256", Bits: 128, FIPS: true,
		kx: "ECDHE", auth: "ECDSA", enc: "AES", mac: "SHA256"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256",
		OpenSSLName: "ECDHE-RSA-AES128-SHA256", Bits: 128, FIPS: true,
		kx: "ECDHE", auth: "RSA", enc: "AES", mac: "SHA256"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA",
		OpenSSLName: "ECDHE-ECDSA-AES256-SHA", Bits: 256, FIPS: true,
		kx: "ECDHE", auth: "ECDSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
		OpenSSLName: "ECDHE-RSA-AES256-SHA", Bits: 256, FIPS: true,
		kx: "ECDHE", auth: "RSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
		OpenSSLName: "ECDHE-ECDSA-AES128-SHA", Bits: 128, FIPS: true,
		kx: "ECDHE", auth: "ECDSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
		OpenSSLName: "ECDHE-RSA-AES128-SHA", Bits: 128, FIPS: true,
		kx: "ECDHE", auth: "RSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384",
		OpenSSLName: "AES256-GCM-SHA384", Bits: 256, FIPS: true,
		kx: "RSA", auth: "RSA", enc: "AESGCM", mac: "SHA384"},
	{ID: tls.TLS_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256",
		OpenSSLName: "AES128-GCM-SHA256", Bits: 128, FIPS: true,
		kx: "RSA", auth: "RSA", enc: "AESGCM", mac: "SHA256"},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256",
		OpenSSLName: "AES128-SHA256", Bits: 128, FIPS: true,
		kx: "RSA", auth: "RSA", enc: "AES", mac: "SHA256"},
	{ID: tls.TLS_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_RSA_WITH_AES_256_CBC_SHA",
		OpenSSLName: "AES256-SHA", Bits: 256, FIPS: true,
		kx: "RSA", auth: "RSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_RSA_WITH_AES_128_CBC_SHA",
		OpenSSLName: "AES128-SHA", Bits: 128, FIPS: true,
		kx: "RSA", auth: "RSA", enc: "AES", mac: "SHA1"},
	{ID: tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA",
		OpenSSLName: "ECDHE-RSA-DES-CBC3-SHA", Bits: 112,
		kx: "ECDHE", auth: "RSA", enc: "3DES", mac: "SHA1"},
	{ID: tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA, Name: "TLS_RSA_WITH_3DES_EDE_CBC_SHA",
		OpenSSLName: "DES-CBC3-SHA", Bits: 112,
		kx: "RSA", auth: "RSA", enc: "3DES", mac: "SHA1"},
}

// matches reports whether the suite belongs to the OpenSSL cipher-list
// alias word.
func (s CipherSuite) matches(word string) bool {
	switch word {
	case "ALL", "COMPLEMENTOFDEFAULT":
		return word == "ALL" || !s.Secure
	case "DEFAULT":
		return s.Secure
	case "HIGH":
		return s.Bits >= 128
	case "MEDIUM", "LOW":
		return false
	case "FIPS":
		return s.FIPS
	case "ECDHE", "EECDH", "kECDHE", "kEECDH":
		return s.kx == "ECDHE"
	case "kRSA":
		return s.kx == "RSA"
	case "aRSA":
		return s.auth == "RSA"
	case "RSA":
		return s.kx == "RSA" || s.auth == "RSA"
	case "ECDSA", "aECDSA":
		return s.auth == "ECDSA"
	case "AESGCM":
		return s.enc == "AESGCM"
	case "AES":
		return s.enc == "AES" || s.enc == "AESGCM"
	case "AES128":
		return (s.enc == "AES" || s.enc == "AESGCM") && s.Bits == 128
	case "AES256":
		return (s.enc == "AES" || s.enc == "AESGCM") && s.Bits == 256
	case "CHACHA20":
		return s.enc == "CHACHA20"
	case "3DES":
		return s.enc == "3DES"
	case "SHA1", "SHA":
		return s.mac == "SHA1"
	case "SHA256":
		return s.mac == "SHA256"
	case "SHA384":
		return s.mac == "SHA384"
	}
	return s.OpenSSLName == word || s.Name == word
}

// ParseCipherList parses an OpenSSL style cipher list into TLS 1.2 suite IDs.
// Items are separated by ':', ',' or spaces. An item is a suite name (OpenSSL
// or IANA spelling), an alias word such as HIGH or ECDHE, or several of these
// joined by '+' (all must match). A leading '!' removes the suites for good,
// '-' removes them until added again and '+' moves them to the end.
// "@STRENGTH" sorts by key strength; "@SECLEVEL=n" is accepted and ignored.
func ParseCipherList(list string) ([]uint16, error) {
	var (
		ordered []CipherSuite
		banned  = make(map[uint16]bool)
	)

	items := strings.FieldsFunc(list, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	for _, item := range items {
		switch {
		case item == "@STRENGTH":
			slices.SortStableFunc(ordered, func(a, b CipherSuite) int { return b.Bits - a.Bits })
			continue
		case strings.HasPrefix(item, "@SECLEVEL="):
			continue
		}

		op := byte(0)
		if item[0] == '!' || item[0] == '-' || item[0] == '+' {
			op, item = item[0], item[1:]
		}
		selected := selectSuites(item)

		switch op {
		case '!':
			for _, s := range selected {
				banned[s.ID] = true
			}
			ordered = slices.DeleteFunc(ordered, func(s CipherSuite) bool { return banned[s.ID] })
		case '-':
			ordered = slices.DeleteFunc(ordered, func(s CipherSuite) bool { return containsSuite(selected, s.ID) })
		case '+':
			var moved []CipherSuite
			ordered = slices.DeleteFunc(ordered, func(s CipherSuite) bool {
				if containsSuite(selected, s.ID) {
					moved = append(moved, s)
					return true
				}
				return false
			})
			ordered = append(ordered, moved...)
		default:
			for _, s := range selected {
				if !banned[s.ID] && !containsSuite(ordered, s.ID) {
					ordered = append(ordered, s)
				}
			}
		}
	}

	if len(ordered) == 0 {
		return nil, sslerr.NewConfigurationError("cipher_list", fmt.Sprintf("no cipher match for %q", list))
	}

	ids := make([]uint16, 0, len(ordered))
	for _, s := range ordered {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// selectSuites returns the TLS 1.2 suites matching every '+' joined word.
func selectSuites(item string) []CipherSuite {
	words := strings.Split(item, "+")
	var out []CipherSuite
	for _, s := range cipherSuiteRegistry {
		if s.TLS13 {
			continue
		}
		all := true
		for _, w := range words {
			if !s.matches(w) {
				all = false
				break
			}
		}
		if all {
			out = append(out, s)
		}
	}
	return out
}

func containsSuite(suites []CipherSuite, id uint16) bool {
	return slices.ContainsFunc(suites, func(s CipherSuite) bool { return s.ID == id })
}

// ParseCipherSuitesTLS13 parses TLS 1.3 suite names. Names may be given as one
// ':' separated string or as separate items.
func ParseCipherSuitesTLS13(names ...string) ([]uint16, error) {
	var ids []uint16
	for _, entry := range names {
		for _, name := range strings.Split(entry, ":") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			suite, ok := GetCipherSuiteInfo(name)
			if !ok || !suite.TLS13 {
				return nil, sslerr.NewConfigurationError("ciphersuites", fmt.Sprintf("unknown TLS 1.3 cipher suite %q", name))
			}
			if !slices.Contains(ids, suite.ID) {
				ids = append(ids, suite.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil, sslerr.NewConfigurationError("ciphersuites", "no TLS 1.3 cipher suite given")
	}
	return ids, nil
}

// GetCipherSuiteInfo returns information about a cipher suite by IANA or
// OpenSSL name.
func GetCipherSuiteInfo(name string) (CipherSuite, bool) {
	for _, s := range cipherSuiteRegistry {
		if s.Name == name || s.OpenSSLName == name {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// GetCipherSuiteByID returns information about a cipher suite by ID.
func GetCipherSuiteByID(id uint16) (CipherSuite, bool) {
	for _, s := range cipherSuiteRegistry {
		if s.ID == id {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// CipherSuiteName returns the OpenSSL name of a cipher suite by ID.
func CipherSuiteName(id uint16) string {
	if suite, ok := GetCipherSuiteByID(id); ok {
		return suite.OpenSSLName
	}
	return fmt.Sprintf("0x%04X", id)
}

// IsSecureCipherSuite returns true if the cipher suite is considered secure.
func IsSecureCipherSuite(id uint16) bool {
	suite, ok := GetCipherSuiteByID(id)
	return ok && suite.Secure
}

// ListAllCipherSuites returns all known cipher suites sorted by ID.
func ListAllCipherSuites() []CipherSuite {
	suites := slices.Clone(cipherSuiteRegistry)
	slices.SortFunc(suites, func(a, b CipherSuite) int {
		return int(a.ID) - int(b.ID)
	})
	return suites
}

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519":         tls.X25519,
	"X25519MLKEM768": tls.X25519MLKEM768,
	"P256":           tls.CurveP256,
	"P384":           tls.CurveP384,
	"P521":           tls.CurveP521,
	"prime256v1":     tls.CurveP256,
	"secp384r1":      tls.CurveP384,
	"secp521r1":      tls.CurveP521,
}

// ParseCurvePreferences parses curve names and returns their IDs. An empty
// list keeps the engine defaults.
func ParseCurvePreferences(names []string) ([]tls.CurveID, error) {
	curves := make([]tls.CurveID, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		curve, ok := curveRegistry[name]
		if !ok {
			return nil, sslerr.NewConfigurationError("curves", fmt.Sprintf("invalid curve: %s", name))
		}
		curves = append(curves, curve)
	}
	if len(curves) == 0 {
		return nil, nil
	}
	return curves, nil
}

// Protocol versions accepted by SetMinProtocol and SetMaxProtocol.
const (
	TLS10 uint16 = tls.VersionTLS10
	TLS11 uint16 = tls.VersionTLS11
	TLS12 uint16 = tls.VersionTLS12
	TLS13 uint16 = tls.VersionTLS13
)

// ParseProtocolVersion accepts "TLS1.2", "TLSv1.2", "TLS12" and "TLS 1.2" spellings.
func ParseProtocolVersion(name string) (uint16, error) {
	n := strings.NewReplacer(" ", "", "_", "", "V", "").Replace(strings.ToUpper(strings.TrimSpace(name)))
	switch n {
	case "TLS1.0", "TLS10", "TLS1":
		return TLS10, nil
	case "TLS1.1", "TLS11":
		return TLS11, nil
	case "TLS1.2", "TLS12":
		return TLS12, nil
	case "TLS1.3", "TLS13":
		return TLS13, nil
	}
	return 0, sslerr.NewConfigurationError("protocol", fmt.Sprintf("unknown protocol version %q", name))
}

// ProtocolVersionName returns the OpenSSL style name of a protocol version.
func ProtocolVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04X", version)
	}
}
