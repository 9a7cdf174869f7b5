// Package internaltls provides TLS material for the replication link between
// servers: mutual TLS from PEM files, or a throwaway self-signed identity
// for development and tests.
package internaltls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/credentials"
)

// Files names the PEM files of a server identity.
type Files struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Material is a certificate and the pool that verifies peers.
type Material struct {
	Certificate tls.Certificate
	Pool        *x509.CertPool
	ServerName  string
}

// Load reads a server identity and its CA from PEM files.
func Load(f Files, serverName string) (*Material, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}
	caCert, err := os.ReadFile(f.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.Errorf("no certificates in %s", f.CAFile)
	}
	return &Material{Certificate: cert, Pool: pool, ServerName: serverName}, nil
}

// SelfSigned creates an identity valid for hosts that is its own CA. Every
// server sharing it trusts the others.
func SelfSigned(hosts []string, validFor time.Duration) (*Material, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial")
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"gojotx replication"}, CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &Material{
		Certificate: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		Pool:        pool,
		ServerName:  hosts[0],
	}, nil
}

// ServerConfig requires and verifies client certificates.
func (m *Material) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    m.Pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig presents the certificate and verifies the server's.
func (m *Material) ClientConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.Certificate},
		RootCAs:      m.Pool,
		ServerName:   m.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
}

// ServerCredentials returns gRPC server transport credentials.
func (m *Material) ServerCredentials() credentials.TransportCredentials {
	return credentials.NewTLS(m.ServerConfig())
}

// ClientCredentials returns gRPC client transport credentials.
func (m *Material) ClientCredentials() credentials.TransportCredentials {
	return credentials.NewTLS(m.ClientConfig())
}
