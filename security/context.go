// Package security holds the TLS and authentication settings applied when an
// endpoint establishes links to the messaging fabric.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidCertificate is returned when certificate material cannot be loaded
	ErrInvalidCertificate = errors.New("security: invalid certificate material")
)

// Context holds the security settings of an endpoint.
// The zero value validates peer certificates against the system pool and
// presents no client certificate.
type Context struct {
	// Certificate is client certificate material supplied by the caller
	Certificate *tls.Certificate
	// CertFile and KeyFile load the client certificate from PEM files
	CertFile string
	KeyFile  string

	// CAFiles are trusted in addition to the system pool
	CAFiles []string

	// SkipPeerValidation disables verification of the broker certificate
	SkipPeerValidation bool

	ServerName string
	MinVersion string // "1.2" (default) or "1.3"

	// Username and Password override credentials embedded in the URI
	Username string
	Password string
}

// ValidatesPeers reports whether peer certificates are verified
func (c *Context) ValidatesPeers() bool {
	return c == nil || !c.SkipPeerValidation
}

// HasClientCertificate reports whether a client certificate is configured
func (c *Context) HasClientCertificate() bool {
	if c == nil {
		return false
	}
	return c.Certificate != nil || (c.CertFile != "" && c.KeyFile != "")
}

// HasCredentials reports whether explicit credentials are configured
func (c *Context) HasCredentials() bool {
	return c != nil && c.Username != ""
}

// TLSConfig builds the client tls.Config.
// The system CA pool is always used; CAFiles are additional trusted CAs.
func (c *Context) TLSConfig() (*tls.Config, error) {
	if c == nil {
		c = &Context{}
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(c.MinVersion),
		ServerName: c.ServerName,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range c.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA file %s: %v", ErrInvalidCertificate, caFile, err)
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: parse CA certificate from %s", ErrInvalidCertificate, caFile)
		}
	}
	tlsConfig.RootCAs = rootCAs

	if c.SkipPeerValidation {
		tlsConfig.InsecureSkipVerify = true
	}

	switch {
	case c.Certificate != nil:
		tlsConfig.Certificates = []tls.Certificate{*c.Certificate}
	case c.CertFile != "" || c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load client certificate: %v", ErrInvalidCertificate, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// parseTLSVersion returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
