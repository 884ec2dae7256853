package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrNoPeerCertificate indicates the remote side presented no certificate.
var ErrNoPeerCertificate = errors.New("crypto: peer presented no certificate")

// ServerTLSConfig returns a TLS server config that demands a client
// certificate but leaves trust decisions to the caller.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns a TLS client config presenting cert and accepting
// any self-signed server certificate.
func ClientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// PinnedClientTLSConfig is ClientTLSConfig that additionally requires the
// server certificate fingerprint to equal expected. An empty expected value
// disables the check.
func PinnedClientTLSConfig(cert tls.Certificate, expected string) *tls.Config {
	cfg := ClientTLSConfig(cert)
	if expected == "" {
		return cfg
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrNoPeerCertificate
		}
		if got := Fingerprint(rawCerts[0]); got != expected {
			return fmt.Errorf("crypto: server fingerprint %s does not match %s", got, expected)
		}
		return nil
	}
	return cfg
}

// PeerCertificate returns the leaf certificate presented by the remote side
// of a completed TLS handshake.
func PeerCertificate(state tls.ConnectionState) (*x509.Certificate, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return state.PeerCertificates[0], nil
}
