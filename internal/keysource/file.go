package keysource

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// FileConfig locates key material on disk.
type FileConfig struct {
	// CertFile is a PEM file; certificates after the first form the chain.
	CertFile string `yaml:"certFile,omitempty" json:"certFile,omitempty"`

	// KeyFile is a PEM private key, possibly encrypted.
	KeyFile string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`

	// ChainFile is an optional PEM bundle appended to the chain.
	ChainFile string `yaml:"chainFile,omitempty" json:"chainFile,omitempty"`

	// PKCS12File replaces the three files above with one container.
	PKCS12File string `yaml:"pkcs12File,omitempty" json:"pkcs12File,omitempty"`

	// Passphrase unlocks the key or the container.
	Passphrase string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
}

// Validate validates the file configuration.
func (c *FileConfig) Validate() error {
	if c.PKCS12File != "" {
		if c.CertFile != "" || c.KeyFile != "" || c.ChainFile != "" {
			return configError("pkcs12File excludes certFile, keyFile and chainFile")
		}
		return nil
	}
	if c.CertFile == "" {
		return configError("certFile is required")
	}
	if c.KeyFile == "" {
		return configError("keyFile is required")
	}
	return nil
}

// Paths returns the files the source reads, for change watching.
func (c *FileConfig) Paths() []string {
	if c.PKCS12File != "" {
		return []string{c.PKCS12File}
	}
	paths := []string{c.CertFile, c.KeyFile}
	if c.ChainFile != "" {
		paths = append(paths, c.ChainFile)
	}
	return paths
}

// FileSource reads key material from local files on every Load.
type FileSource struct {
	cfg    FileConfig
	logger observability.Logger
}

// NewFileSource creates a file source.
func NewFileSource(cfg FileConfig, logger observability.Logger) (*FileSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &FileSource{cfg: cfg, logger: logger}, nil
}

// Name implements Source.
func (s *FileSource) Name() string {
	if s.cfg.PKCS12File != "" {
		return "file:" + s.cfg.PKCS12File
	}
	return "file:" + s.cfg.CertFile
}

// Config returns the source configuration.
func (s *FileSource) Config() FileConfig {
	return s.cfg
}

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.cfg.PKCS12File != "" {
		data, err := readFile(s.cfg.PKCS12File)
		if err != nil {
			return nil, err
		}
		m, err := decodePKCS12(data, s.cfg.Passphrase)
		if err != nil {
			return nil, newSourceError("decode", s.cfg.PKCS12File, err)
		}
		s.loaded(m)
		return m, nil
	}

	certPEM, err := readFile(s.cfg.CertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile(s.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	var chainPEM []byte
	if s.cfg.ChainFile != "" {
		if chainPEM, err = readFile(s.cfg.ChainFile); err != nil {
			return nil, err
		}
	}

	var passphrase []byte
	if s.cfg.Passphrase != "" {
		passphrase = []byte(s.cfg.Passphrase)
	}
	m, err := decodePEM(certPEM, keyPEM, chainPEM, passphrase)
	if err != nil {
		return nil, newSourceError("decode", s.cfg.CertFile, err)
	}
	s.loaded(m)
	return m, nil
}

func (s *FileSource) loaded(m *Material) {
	s.logger.Debug("key material loaded",
		observability.String("source", s.Name()),
		observability.String("version", m.Version),
		observability.Int("chain", len(m.Chain)),
	)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, newSourceError("read", path, ErrNotFound)
	case err != nil:
		return nil, newSourceError("read", path, err)
	}
	return data, nil
}

var _ Source = (*FileSource)(nil)
