// Package testpki issues throwaway certificates for TLS tests.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// PKI is a test certificate authority with one server and one client certificate
type PKI struct {
	// CAFile is the PEM file of the authority, for security.Context.CAFiles
	CAFile string
	// ClientCertFile and ClientKeyFile hold the client certificate
	ClientCertFile string
	ClientKeyFile  string
	// ClientCert is the client certificate as loaded material
	ClientCert tls.Certificate

	serverCert tls.Certificate
	pool       *x509.CertPool
}

// New creates an authority and issues a server certificate for hosts
func New(t *testing.T, hosts ...string) *PKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cfx test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	p := &PKI{
		CAFile: filepath.Join(dir, "ca.pem"),
		pool:   x509.NewCertPool(),
	}
	p.pool.AddCert(caCert)
	require.NoError(t, os.WriteFile(p.CAFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}), 0644))

	serverPEM, serverKeyPEM := issue(t, caCert, caKey, 2, "broker", hosts, x509.ExtKeyUsageServerAuth)
	p.serverCert, err = tls.X509KeyPair(serverPEM, serverKeyPEM)
	require.NoError(t, err)

	clientPEM, clientKeyPEM := issue(t, caCert, caKey, 3, "cfx-client", nil, x509.ExtKeyUsageClientAuth)
	p.ClientCert, err = tls.X509KeyPair(clientPEM, clientKeyPEM)
	require.NoError(t, err)
	p.ClientCertFile = filepath.Join(dir, "client.pem")
	p.ClientKeyFile = filepath.Join(dir, "client-key.pem")
	require.NoError(t, os.WriteFile(p.ClientCertFile, clientPEM, 0644))
	require.NoError(t, os.WriteFile(p.ClientKeyFile, clientKeyPEM, 0600))

	return p
}

// ServerTLS returns a server configuration that verifies client
// certificates when they are presented
func (p *PKI) ServerTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.serverCert},
		ClientCAs:    p.pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}
}

func issue(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, cn string, hosts []string, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     hosts,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
