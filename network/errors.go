package network

import "errors"

var (
	// ErrTransport indicates a link read, write or peer close failure.
	ErrTransport = errors.New("network: transport failure")
	// ErrUntrustedCertificate indicates a trusted device id presented a certificate
	// other than the one recorded at pairing time.
	ErrUntrustedCertificate = errors.New("network: untrusted certificate")
	// ErrIdentityMismatch indicates a certificate common name differs from the
	// announced device id.
	ErrIdentityMismatch = errors.New("network: certificate does not match announced device id")
	// ErrPairingTimedOut indicates no pairing answer arrived in time.
	ErrPairingTimedOut = errors.New("network: pairing timed out")
	// ErrPairingRejected indicates the peer or the user declined pairing.
	ErrPairingRejected = errors.New("network: pairing rejected")
	// ErrNotPaired indicates an operation that requires a trusted device.
	ErrNotPaired = errors.New("network: device not paired")
	// ErrNotConnected indicates no live link exists for the device.
	ErrNotConnected = errors.New("network: device not connected")
	// ErrUnknownDevice indicates a device id the manager has never seen.
	ErrUnknownDevice = errors.New("network: unknown device")
	// ErrNoPendingRequest indicates accept/reject without a pending request.
	ErrNoPendingRequest = errors.New("network: no pending pairing request")
	// ErrManagerStopped indicates the manager is not running.
	ErrManagerStopped = errors.New("network: manager stopped")
)
