package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// ErrCertificateIdentity indicates a certificate whose common name is not the device id.
var ErrCertificateIdentity = errors.New("crypto: certificate common name does not match device id")

// EnsureCertificate loads the device certificate from disk, generating it on first run.
//
// The certificate is self-signed with CN set to deviceID. A stored certificate
// issued for a different device id is replaced.
func EnsureCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	cert, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		if CommonName(cert) == deviceID {
			return cert, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return tls.Certificate{}, err
	}

	certPEM, keyPEM, err := GenerateCertificate(deviceID, time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write certificate: %w", err)
	}

	return parseKeyPair(certPEM, keyPEM)
}

// LoadCertificate reads a PEM certificate and PKCS#8 key pair.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read private key: %w", err)
	}
	return parseKeyPair(certPEM, keyPEM)
}

// GenerateCertificate creates a self-signed ECDSA P-256 certificate for deviceID.
func GenerateCertificate(deviceID string, now time.Time) ([]byte, []byte, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, nil, errors.New("crypto: empty device id")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	subject := pkix.Name{
		CommonName:         deviceID,
		Organization:       []string{"KDE"},
		OrganizationalUnit: []string{"KDE Connect"},
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// CommonName returns the subject CN of the leaf certificate.
func CommonName(cert tls.Certificate) string {
	leaf, err := Leaf(cert)
	if err != nil {
		return ""
	}
	return leaf.Subject.CommonName
}

// Fingerprint returns the SHA-256 fingerprint of a DER certificate as
// uppercase colon-separated hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return FormatFingerprint(hex.EncodeToString(sum[:]))
}

// CertificateFingerprint is Fingerprint for the leaf of cert.
func CertificateFingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	return Fingerprint(cert.Certificate[0])
}

// FormatFingerprint returns hex text as uppercase byte pairs joined by colons.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.NewReplacer(":", "", " ", "").Replace(fingerprint))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}

// EncodeCertificatePEM returns der as a PEM block.
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der}))
}

// VerificationKey derives the short code both users compare while pairing.
//
// It hashes the two DER-encoded public keys in sorted order followed by the
// pairing timestamp, and keeps the first 8 hex characters.
func VerificationKey(localCert, peerCert *x509.Certificate, timestamp int64) string {
	if localCert == nil || peerCert == nil {
		return ""
	}

	keys := [][]byte{localCert.RawSubjectPublicKeyInfo, peerCert.RawSubjectPublicKeyInfo}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i]) < string(keys[j])
	})

	h := sha256.New()
	h.Write(keys[0])
	h.Write(keys[1])
	if timestamp != 0 {
		fmt.Fprintf(h, "%d", timestamp)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))[:8])
}

// Leaf returns the parsed leaf certificate of cert.
func Leaf(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("crypto: empty certificate chain")
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

func parseKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	cert.Leaf = leaf
	return cert, nil
}
