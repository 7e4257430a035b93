package peer

import (
	"crypto/ecdsa"
	"crypto/x509"
	"testing"

	"github.com/danmuck/edgestream/internal/testutil/testlog"
)

func TestDevCertificateIsECDSA(t *testing.T) {
	testlog.Start(t)
	cert, err := selfSignedCertificate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, ok := cert.PrivateKey.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("private key got=%T want *ecdsa.PrivateKey", cert.PrivateKey)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if leaf.PublicKeyAlgorithm != x509.ECDSA {
		t.Fatalf("public key algorithm got=%v", leaf.PublicKeyAlgorithm)
	}
	if leaf.KeyUsage != x509.KeyUsageDigitalSignature {
		t.Fatalf("key usage got=%v", leaf.KeyUsage)
	}
}
