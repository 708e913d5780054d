package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNoCertificate is returned when a domain has no certificate on disk.
var ErrNoCertificate = errors.New("no certificate")

// Store reads issued certificates from a certbot-style live directory:
// <dir>/<domain>/fullchain.pem and privkey.pem.
type Store struct {
	dir string
}

func NewStore(liveDir string) *Store {
	if liveDir == "" {
		liveDir = "/etc/letsencrypt/live"
	}
	return &Store{dir: liveDir}
}

func (s *Store) certFile(domain string) string {
	return filepath.Join(s.dir, domain, "fullchain.pem")
}

func (s *Store) keyFile(domain string) string {
	return filepath.Join(s.dir, domain, "privkey.pem")
}

// Paths returns the certificate and key file of domain when both exist.
func (s *Store) Paths(domain string) (string, string, bool) {
	cert, key := s.certFile(domain), s.keyFile(domain)
	if _, err := os.Stat(cert); err != nil {
		return "", "", false
	}
	if _, err := os.Stat(key); err != nil {
		return "", "", false
	}
	return cert, key, true
}

// Load parses the leaf certificate of domain.
func (s *Store) Load(domain string) (*x509.Certificate, error) {
	data, err := os.ReadFile(s.certFile(domain))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", domain, ErrNoCertificate)
	}
	if err != nil {
		return nil, err
	}
	block, rest := pem.Decode(data)
	for block != nil && block.Type != "CERTIFICATE" {
		block, rest = pem.Decode(rest)
	}
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM certificate in %s", domain, s.certFile(domain))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse certificate: %w", domain, err)
	}
	return cert, nil
}
