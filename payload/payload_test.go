package payload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"connectd/crypto"
)

func TestOfferAndReceiveExactSize(t *testing.T) {
	sender := mustCert(t, "sender")
	receiver := mustCert(t, "receiver")

	data := make([]byte, 200*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}

	upload, err := Offer(context.Background(), Config{
		Certificate:     sender,
		PeerFingerprint: crypto.CertificateFingerprint(receiver),
		ListenAddress:   "127.0.0.1",
	}, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	var lastProgress int64
	var out bytes.Buffer
	n, err := Receive(context.Background(), Config{
		Certificate:     receiver,
		PeerFingerprint: crypto.CertificateFingerprint(sender),
		Progress:        func(done int64) { lastProgress = done },
	}, "127.0.0.1", upload.Port, int64(len(data)), &out)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if n != int64(len(data)) || !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("payload mismatch: got %d bytes", n)
	}
	if lastProgress != int64(len(data)) {
		t.Fatalf("expected final progress %d, got %d", len(data), lastProgress)
	}
	if err := upload.Wait(); err != nil {
		t.Fatalf("upload Wait failed: %v", err)
	}
}

func TestReceiveReportsShortPayload(t *testing.T) {
	sender := mustCert(t, "sender")
	receiver := mustCert(t, "receiver")

	upload, err := Offer(context.Background(), Config{Certificate: sender, ListenAddress: "127.0.0.1"},
		bytes.NewReader(make([]byte, 512)), 1024)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	n, err := Receive(context.Background(), Config{Certificate: receiver}, "127.0.0.1", upload.Port, 1024, &bytes.Buffer{})
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Transferred != 512 || n != 512 {
		t.Fatalf("expected TransferError after 512 bytes, got %v (n=%d)", err, n)
	}
	if err := upload.Wait(); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected sender to report short source, got %v", err)
	}
}

func TestReceiveReportsOverrun(t *testing.T) {
	sender := mustCert(t, "sender")
	receiver := mustCert(t, "receiver")

	listener, err := tls.Listen("tcp", "127.0.0.1:0", crypto.ServerTLSConfig(sender))
	if err != nil {
		t.Fatalf("tls.Listen failed: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(make([]byte, 2048))
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	_, err = Receive(context.Background(), Config{Certificate: receiver}, "127.0.0.1", port, 1024, &bytes.Buffer{})
	if !errors.Is(err, ErrPayloadOverrun) {
		t.Fatalf("expected ErrPayloadOverrun, got %v", err)
	}
}

func TestReceiveRejectsUnexpectedSenderCertificate(t *testing.T) {
	sender := mustCert(t, "sender")
	receiver := mustCert(t, "receiver")
	other := mustCert(t, "other")

	upload, err := Offer(context.Background(), Config{Certificate: sender, ListenAddress: "127.0.0.1"},
		strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	_, err = Receive(context.Background(), Config{
		Certificate:     receiver,
		PeerFingerprint: crypto.CertificateFingerprint(other),
	}, "127.0.0.1", upload.Port, 5, &bytes.Buffer{})
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Op != "handshake" {
		t.Fatalf("expected handshake TransferError, got %v", err)
	}
	if err := upload.Wait(); err == nil {
		t.Fatalf("expected sender to fail when receiver aborts handshake")
	}
}

func TestReceiveRefusedConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	_, err = Receive(context.Background(), Config{Certificate: mustCert(t, "receiver"), Timeout: time.Second},
		"127.0.0.1", port, 10, &bytes.Buffer{})
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Op != "dial" {
		t.Fatalf("expected dial TransferError, got %v", err)
	}
}

func TestOfferCancelledBeforeReceiverConnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	upload, err := Offer(ctx, Config{Certificate: mustCert(t, "sender"), ListenAddress: "127.0.0.1"},
		strings.NewReader("data"), 4)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	cancel()

	select {
	case <-upload.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("upload did not stop after cancellation")
	}
	if err := upload.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func mustCert(t *testing.T, deviceID string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := crypto.GenerateCertificate(deviceID, time.Now())
	if err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair failed: %v", err)
	}
	return cert
}
