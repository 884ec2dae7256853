package network

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"connectd/crypto"
	"connectd/protocol"
	"connectd/storage"
)

type sentPair struct {
	deviceID string
	pair     bool
}

type pairingHarness struct {
	service *PairingService
	store   *storage.Store
	info    LinkInfo

	// beforeSave runs inside SaveTrustedDevice when set.
	beforeSave func()

	mu       sync.Mutex
	sent     []sentPair
	requests []PairingRequest
	results  []PairingResult
}

func newPairingHarness(t *testing.T, localID, peerID string, timeout time.Duration) *pairingHarness {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	localLeaf, err := crypto.Leaf(testCertificate(t, localID))
	if err != nil {
		t.Fatalf("Leaf failed: %v", err)
	}
	peerLeaf, err := crypto.Leaf(testCertificate(t, peerID))
	if err != nil {
		t.Fatalf("Leaf failed: %v", err)
	}

	h := &pairingHarness{
		store: store,
		info: LinkInfo{
			Identity:    protocol.Identity{DeviceID: peerID, DeviceName: "Peer", DeviceType: protocol.DeviceTypePhone, TCPPort: 1716},
			Certificate: peerLeaf,
			Fingerprint: crypto.Fingerprint(peerLeaf.Raw),
			RemoteHost:  "192.168.1.20",
		},
	}
	h.service, err = NewPairingService(PairingConfig{
		LocalCertificate: localLeaf,
		Store:            &hookedTrustStore{Store: store, harness: h},
		Timeout:          timeout,
		Send: func(deviceID string, pkt protocol.Packet) error {
			body, err := protocol.ParsePair(pkt)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.sent = append(h.sent, sentPair{deviceID: deviceID, pair: body.Pair})
			h.mu.Unlock()
			return nil
		},
		Hooks: PairingHooks{
			Requested: func(req PairingRequest) {
				h.mu.Lock()
				h.requests = append(h.requests, req)
				h.mu.Unlock()
			},
			Result: func(res PairingResult) {
				h.mu.Lock()
				h.results = append(h.results, res)
				h.mu.Unlock()
			},
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewPairingService failed: %v", err)
	}
	return h
}

type hookedTrustStore struct {
	*storage.Store
	harness *pairingHarness
}

func (s *hookedTrustStore) SaveTrustedDevice(device storage.TrustedDevice) error {
	if hook := s.harness.beforeSave; hook != nil {
		hook()
	}
	return s.Store.SaveTrustedDevice(device)
}

func (h *pairingHarness) attach(t *testing.T) {
	t.Helper()
	if _, err := h.service.Attach(h.info.Identity.DeviceID, h.info); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
}

func (h *pairingHarness) deliver(t *testing.T, pair bool) {
	t.Helper()
	pkt := protocol.NewPairPacket(pair, time.Now())
	if err := h.service.HandlePacket(h.info.Identity.DeviceID, pkt); err != nil {
		t.Fatalf("HandlePacket(pair=%v) failed: %v", pair, err)
	}
}

func (h *pairingHarness) snapshot() ([]sentPair, []PairingRequest, []PairingResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentPair(nil), h.sent...),
		append([]PairingRequest(nil), h.requests...),
		append([]PairingResult(nil), h.results...)
}

func (h *pairingHarness) events(t *testing.T, eventType string) []storage.SecurityEvent {
	t.Helper()
	events, err := h.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: eventType})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	return events
}

func TestIncomingRequestAcceptedRecordsTrust(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)

	h.deliver(t, true)
	if got := h.service.State("peer_device"); got != PairRequestedByPeer {
		t.Fatalf("state = %s, want requested_by_peer", got)
	}
	_, requests, _ := h.snapshot()
	if len(requests) != 1 {
		t.Fatalf("expected one pairing request, got %d", len(requests))
	}
	if len(requests[0].VerificationKey) != 8 || requests[0].DeviceName != "Peer" {
		t.Fatalf("unexpected pairing request %+v", requests[0])
	}

	if err := h.service.AcceptPairing("peer_device"); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}
	if !h.service.IsPaired("peer_device") || h.service.State("peer_device") != PairPaired {
		t.Fatalf("device not paired after accept")
	}

	trusted, err := h.store.GetTrustedDevice("peer_device")
	if err != nil {
		t.Fatalf("GetTrustedDevice failed: %v", err)
	}
	if trusted.CertificateFingerprint != h.info.Fingerprint || trusted.CertificatePEM == "" {
		t.Fatalf("unexpected trust entry %+v", trusted)
	}
	if trusted.LastKnownIP == nil || *trusted.LastKnownIP != "192.168.1.20" || trusted.LastKnownPort == nil || *trusted.LastKnownPort != 1716 {
		t.Fatalf("endpoint not recorded: %+v", trusted)
	}

	sent, _, results := h.snapshot()
	if len(sent) != 1 || !sent[0].pair {
		t.Fatalf("expected a single pair:true reply, got %+v", sent)
	}
	if len(results) != 1 || !results[0].Paired || results[0].Err != nil {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(h.events(t, storage.SecurityEventPairingAccepted)) != 1 {
		t.Fatalf("expected a pairing_accepted security event")
	}
}

func TestRejectIncomingRequestWritesNoTrust(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)

	if err := h.service.RejectPairing("peer_device"); err != nil {
		t.Fatalf("RejectPairing failed: %v", err)
	}
	if h.service.IsPaired("peer_device") {
		t.Fatalf("rejected device must not be trusted")
	}
	if got := h.service.State("peer_device"); got != PairNone {
		t.Fatalf("state = %s, want none", got)
	}

	sent, _, results := h.snapshot()
	if len(sent) != 1 || sent[0].pair {
		t.Fatalf("expected a single pair:false reply, got %+v", sent)
	}
	if len(results) != 1 || !errors.Is(results[0].Err, ErrPairingRejected) {
		t.Fatalf("unexpected results %+v", results)
	}

	if err := h.service.AcceptPairing("peer_device"); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("AcceptPairing after reject: expected ErrNoPendingRequest, got %v", err)
	}
}

func TestOutgoingRequestAcceptedByPeer(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)

	if err := h.service.RequestPairing("peer_device"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	if got := h.service.State("peer_device"); got != PairRequested {
		t.Fatalf("state = %s, want requested", got)
	}
	// A second request while one is pending sends nothing.
	if err := h.service.RequestPairing("peer_device"); err != nil {
		t.Fatalf("repeated RequestPairing failed: %v", err)
	}

	h.deliver(t, true)
	if !h.service.IsPaired("peer_device") {
		t.Fatalf("device not paired after peer accepted")
	}

	// local_device < peer_device, so the local side does not confirm again.
	sent, _, results := h.snapshot()
	if len(sent) != 1 || !sent[0].pair {
		t.Fatalf("expected exactly one pair:true, got %+v", sent)
	}
	if len(results) != 1 || !results[0].Paired {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestCrossedRequestLargerIDConfirms(t *testing.T) {
	h := newPairingHarness(t, "zz_local", "aa_peer", time.Minute)
	h.attach(t)

	if err := h.service.RequestPairing("aa_peer"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	h.deliver(t, true)

	sent, _, _ := h.snapshot()
	if len(sent) != 2 || !sent[0].pair || !sent[1].pair {
		t.Fatalf("expected request plus confirmation, got %+v", sent)
	}
	if h.service.State("aa_peer") != PairPaired {
		t.Fatalf("crossed request did not converge to paired")
	}
}

func TestPairedDeviceIgnoresRepeatedPairRequest(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)
	if err := h.service.AcceptPairing("peer_device"); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}

	h.deliver(t, true)

	sent, requests, results := h.snapshot()
	if len(sent) != 1 || len(requests) != 1 || len(results) != 1 {
		t.Fatalf("repeated pair:true must be ignored: sent=%d requests=%d results=%d", len(sent), len(requests), len(results))
	}
	if h.service.State("peer_device") != PairPaired {
		t.Fatalf("paired state lost")
	}
}

func TestOutgoingRequestTimesOut(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", 50*time.Millisecond)
	h.attach(t)

	if err := h.service.RequestPairing("peer_device"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, "pairing timeout", func() bool {
		_, _, results := h.snapshot()
		return len(results) == 1 && errors.Is(results[0].Err, ErrPairingTimedOut)
	})
	if h.service.State("peer_device") != PairNone {
		t.Fatalf("state after timeout = %s, want none", h.service.State("peer_device"))
	}
	if h.service.IsPaired("peer_device") {
		t.Fatalf("timed out request must not write trust")
	}
	if len(h.events(t, storage.SecurityEventPairingTimedOut)) != 1 {
		t.Fatalf("expected a pairing_timed_out security event")
	}
}

func TestLateAcceptAfterTimeoutIsIgnored(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", 30*time.Millisecond)
	h.attach(t)
	if err := h.service.RequestPairing("peer_device"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, "pairing timeout", func() bool {
		return h.service.State("peer_device") == PairNone
	})

	// A pair:true after expiry is a fresh request from the peer, not an accept.
	h.deliver(t, true)
	if h.service.IsPaired("peer_device") {
		t.Fatalf("late accept must not pair")
	}
	if h.service.State("peer_device") != PairRequestedByPeer {
		t.Fatalf("state = %s, want requested_by_peer", h.service.State("peer_device"))
	}
}

func TestPeerUnpairRemovesTrust(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)
	if err := h.service.AcceptPairing("peer_device"); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}

	h.deliver(t, false)
	if h.service.IsPaired("peer_device") {
		t.Fatalf("trust kept after peer unpair")
	}
	_, _, results := h.snapshot()
	last := results[len(results)-1]
	if last.Paired || last.Err != nil {
		t.Fatalf("unexpected unpair result %+v", last)
	}
	if len(h.events(t, storage.SecurityEventUnpaired)) != 1 {
		t.Fatalf("expected an unpaired security event")
	}
}

func TestLocalUnpairSendsPairFalse(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)
	if err := h.service.AcceptPairing("peer_device"); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}

	if err := h.service.Unpair("peer_device"); err != nil {
		t.Fatalf("Unpair failed: %v", err)
	}
	sent, _, _ := h.snapshot()
	if last := sent[len(sent)-1]; last.pair {
		t.Fatalf("expected pair:false after unpair, got %+v", sent)
	}
	if h.service.IsPaired("peer_device") {
		t.Fatalf("trust kept after local unpair")
	}
}

func TestAttachRefusesChangedCertificate(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	if err := h.store.SaveTrustedDevice(storage.TrustedDevice{
		DeviceID:               "peer_device",
		DeviceName:             "Peer",
		CertificateFingerprint: "AA:BB",
		PairedTimestamp:        time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("SaveTrustedDevice failed: %v", err)
	}

	_, err := h.service.Attach("peer_device", h.info)
	if !errors.Is(err, ErrUntrustedCertificate) {
		t.Fatalf("expected ErrUntrustedCertificate, got %v", err)
	}
	events := h.events(t, storage.SecurityEventCertificateChange)
	if len(events) != 1 || events[0].Severity != storage.SecuritySeverityCritical {
		t.Fatalf("expected one critical certificate_mismatch event, got %+v", events)
	}
}

func TestAttachTrustedDeviceStartsPaired(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	if err := h.store.SaveTrustedDevice(storage.TrustedDevice{
		DeviceID:               "peer_device",
		DeviceName:             "Peer",
		CertificateFingerprint: h.info.Fingerprint,
		PairedTimestamp:        time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("SaveTrustedDevice failed: %v", err)
	}

	paired, err := h.service.Attach("peer_device", h.info)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !paired || h.service.State("peer_device") != PairPaired {
		t.Fatalf("trusted device must attach as paired")
	}
}

func TestPairingOperationsRequireLink(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)

	if err := h.service.RequestPairing("peer_device"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("RequestPairing without link: expected ErrNotConnected, got %v", err)
	}
	if err := h.service.AcceptPairing("peer_device"); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("AcceptPairing without request: expected ErrNoPendingRequest, got %v", err)
	}
	if err := h.service.HandlePacket("peer_device", protocol.NewPairPacket(true, time.Now())); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("HandlePacket without link: expected ErrNotConnected, got %v", err)
	}
}

func TestPeerWithdrawalDuringAcceptLeavesNoTrust(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)

	withdrawn := make(chan error, 1)
	h.beforeSave = func() {
		h.beforeSave = nil
		go func() {
			withdrawn <- h.service.HandlePacket("peer_device", protocol.NewPairPacket(false, time.Now()))
		}()
		// Give the withdrawal every chance to land while trust is being written.
		time.Sleep(50 * time.Millisecond)
	}

	_ = h.service.AcceptPairing("peer_device")
	select {
	case err := <-withdrawn:
		if err != nil {
			t.Fatalf("HandlePacket(pair=false) failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("withdrawal never processed")
	}

	if h.service.IsPaired("peer_device") {
		t.Fatalf("trust kept after the peer withdrew")
	}
	if got := h.service.State("peer_device"); got != PairNone {
		t.Fatalf("state = %s, want none", got)
	}
}

func TestAcceptAfterWithdrawalFails(t *testing.T) {
	h := newPairingHarness(t, "local_device", "peer_device", time.Minute)
	h.attach(t)
	h.deliver(t, true)

	h.service.mu.Lock()
	generation := h.service.entries["peer_device"].generation
	h.service.mu.Unlock()
	h.deliver(t, false)

	// An accept that read the request before the withdrawal must not commit.
	err := h.service.completePairing("peer_device", h.info, PairRequestedByPeer, generation)
	if !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
	if h.service.IsPaired("peer_device") {
		t.Fatalf("stale accept wrote trust")
	}
	_, _, results := h.snapshot()
	if len(results) != 1 || !errors.Is(results[0].Err, ErrPairingRejected) {
		t.Fatalf("unexpected results %+v", results)
	}
}
