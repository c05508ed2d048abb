// Package tls provides TLS material for the inbound SMTP listener and the
// client side settings used when relaying upstream.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	minVersion = tls.VersionTLS12

	// selfSignedLifetime is how long a generated certificate stays valid.
	selfSignedLifetime = 365 * 24 * time.Hour
)

// SelfSigned creates an in-memory ECDSA P-256 certificate for localhost,
// 127.0.0.1 and every extra name in hosts. IP literals become IP SANs.
func SelfSigned(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"mail-relay"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	tmpl.DNSNames, tmpl.IPAddresses = subjectAltNames(hosts)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

func subjectAltNames(hosts []string) ([]string, []net.IP) {
	dns := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	seen := map[string]bool{"localhost": true, "127.0.0.1": true}
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dns = append(dns, h)
	}
	return dns, ips
}

// LoadOrGenerateTLS returns the listener configuration. With both paths set
// it loads that key pair; otherwise it generates a certificate for hostname.
func LoadOrGenerateTLS(certFile, keyFile, hostname string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case certFile != "" && keyFile != "":
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair %s: %w", certFile, err)
		}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("tls: cert_file and key_file must be set together")
	default:
		cert, err = SelfSigned(hostname)
		if err != nil {
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: minVersion}, nil
}

// ClientConfig is used when dialing an upstream server. A nil roots pool
// means the system pool.
func ClientConfig(serverName string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{ServerName: serverName, RootCAs: roots, MinVersion: minVersion}
}

// PoolFor trusts the leaf certificates of cfg, so a client can dial a
// listener that serves a self-signed certificate.
func PoolFor(cfg *tls.Config) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, cert := range cfg.Certificates {
		leaf := cert.Leaf
		if leaf == nil && len(cert.Certificate) > 0 {
			var err error
			if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
		}
		if leaf != nil {
			pool.AddCert(leaf)
		}
	}
	return pool, nil
}

// Description names the TLS implementation and the versions the relay
// negotiates.
func Description() string {
	return fmt.Sprintf("Go crypto/tls (%s to %s)", tls.VersionName(minVersion), tls.VersionName(tls.VersionTLS13))
}
