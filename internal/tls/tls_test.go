package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	stdtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestSelfSigned(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned("relay.internal", "10.0.0.5", "", "localhost", "relay.internal")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("Leaf is not populated")
	}

	if want := []string{"localhost", "relay.internal"}; !slices.Equal(leaf.DNSNames, want) {
		t.Errorf("DNSNames: got %v, want %v", leaf.DNSNames, want)
	}
	for _, host := range []string{"localhost", "127.0.0.1", "relay.internal", "10.0.0.5"} {
		if err := leaf.VerifyHostname(host); err != nil {
			t.Errorf("VerifyHostname(%s): %v", host, err)
		}
	}
	if err := leaf.VerifyHostname("other.example.com"); err == nil {
		t.Error("certificate must not cover other.example.com")
	}

	if life := leaf.NotAfter.Sub(time.Now()); life < selfSignedLifetime-time.Hour || life > selfSignedLifetime {
		t.Errorf("remaining lifetime: got %v", life)
	}
	if pub, ok := leaf.PublicKey.(*ecdsa.PublicKey); !ok || pub.Curve != elliptic.P256() {
		t.Errorf("public key: got %T, want P-256 ECDSA", leaf.PublicKey)
	}
	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		t.Errorf("not self-signed: %v", err)
	}
}

func TestLoadOrGenerateTLS(t *testing.T) {
	t.Parallel()

	t.Run("generated", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadOrGenerateTLS("", "", "relay.internal")
		if err != nil {
			t.Fatalf("LoadOrGenerateTLS: %v", err)
		}
		if len(cfg.Certificates) != 1 || cfg.MinVersion != stdtls.VersionTLS12 {
			t.Errorf("got %d certificates, MinVersion %x", len(cfg.Certificates), cfg.MinVersion)
		}
	})

	t.Run("missing files", func(t *testing.T) {
		t.Parallel()
		if _, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("only one path", func(t *testing.T) {
		t.Parallel()
		_, err := LoadOrGenerateTLS("cert.pem", "", "")
		if err == nil || !strings.Contains(err.Error(), "set together") {
			t.Errorf("got %v", err)
		}
	})

	t.Run("from disk", func(t *testing.T) {
		t.Parallel()
		certFile, keyFile := writeKeyPair(t)
		cfg, err := LoadOrGenerateTLS(certFile, keyFile, "ignored")
		if err != nil {
			t.Fatalf("LoadOrGenerateTLS: %v", err)
		}
		leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if err := leaf.VerifyHostname("disk.test"); err != nil {
			t.Errorf("loaded the wrong certificate: %v", err)
		}
	})
}

func TestHandshakeWithPool(t *testing.T) {
	t.Parallel()

	server, err := LoadOrGenerateTLS("", "", "relay.test")
	if err != nil {
		t.Fatalf("LoadOrGenerateTLS: %v", err)
	}
	roots, err := PoolFor(server)
	if err != nil {
		t.Fatalf("PoolFor: %v", err)
	}
	if err := handshake(t, server, ClientConfig("relay.test", roots)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
}

func TestClientConfigRejectsUnknownRoots(t *testing.T) {
	t.Parallel()

	server, err := LoadOrGenerateTLS("", "", "")
	if err != nil {
		t.Fatalf("LoadOrGenerateTLS: %v", err)
	}
	if err := handshake(t, server, ClientConfig("localhost", x509.NewCertPool())); err == nil {
		t.Error("handshake should fail against an empty pool")
	}
}

// handshake runs one TLS handshake over loopback and returns the client's
// error.
func handshake(t *testing.T, server, client *stdtls.Config) error {
	t.Helper()
	ln, err := stdtls.Listen("tcp", "127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		_ = conn.(*stdtls.Conn).Handshake()
	}()

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := stdtls.DialWithDialer(dialer, "tcp", ln.Addr().String(), client)
	if err != nil {
		return err
	}
	defer conn.Close()
	if v := conn.ConnectionState().Version; v < stdtls.VersionTLS12 {
		t.Errorf("negotiated version %x", v)
	}
	return nil
}

func TestDescription(t *testing.T) {
	t.Parallel()

	if got := Description(); got != "Go crypto/tls (TLS 1.2 to TLS 1.3)" {
		t.Errorf("Description() = %q", got)
	}
}

func writeKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	cert, err := SelfSigned("disk.test")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	writePEM(t, certFile, "CERTIFICATE", cert.Certificate[0])
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)
	return certFile, keyFile
}

func writePEM(t *testing.T, path, kind string, der []byte) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der}), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
