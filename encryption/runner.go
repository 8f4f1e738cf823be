// Package encryption provides the cryptographic handshake primitive behind
// the secure channel: a Runner drives an association or reconnection
// handshake and yields a symmetric Key for payload protection.
//
// The channel layer treats the Runner as an oracle. Every failure is an
// ordinary error value; nothing in this package panics on bad peer input.
package encryption

import "errors"

// HandshakeState is the externally visible state of a handshake.
type HandshakeState int

const (
	StateUnknown HandshakeState = iota
	StateInProgress
	StateVerificationNeeded
	StateResumingSession
	StateFinished
)

func (s HandshakeState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateVerificationNeeded:
		return "VERIFICATION_NEEDED"
	case StateResumingSession:
		return "RESUMING_SESSION"
	case StateFinished:
		return "FINISHED"
	default:
		return "INVALID"
	}
}

// Handshake errors.
var (
	ErrInvalidState   = errors.New("encryption: operation invalid in current handshake state")
	ErrBadPeerKey     = errors.New("encryption: peer public key rejected")
	ErrAuthentication = errors.New("encryption: peer authentication failed")
	ErrDecrypt        = errors.New("encryption: message authentication failed")
)

// HandshakeMessage is the result of one handshake step: the state reached,
// an optional frame to send to the peer, and on later steps a verification
// code or the derived key.
type HandshakeMessage struct {
	State            HandshakeState
	NextMessage      []byte
	VerificationCode string
	Key              Key
}

// Key is a symmetric session key. Bytes returns the persistable raw key
// material; Encrypt and Decrypt protect individual message payloads.
type Key interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Bytes() []byte
}

// Runner drives one handshake, association or reconnection, for one
// connection attempt. Runners are single use: a new connection gets a new
// Runner.
//
// The responder (car) side calls RespondToInitRequest, ContinueHandshake,
// then either VerifyPin (association) or AuthenticateReconnection
// (reconnection). The initiator (companion device) side calls
// InitHandshake, ContinueHandshake, then VerifyPin or
// InitReconnectAuthentication followed by AuthenticateReconnection.
type Runner interface {
	// SetReconnect selects the reconnection variant of the handshake.
	// Must be called before the first handshake step.
	SetReconnect(isReconnect bool)

	// InitHandshake starts the handshake as initiator, returning the
	// first frame to send.
	InitHandshake() (*HandshakeMessage, error)

	// RespondToInitRequest consumes the initiator's first frame and
	// returns the responder's reply.
	RespondToInitRequest(message []byte) (*HandshakeMessage, error)

	// ContinueHandshake consumes the next peer frame. For association it
	// lands in StateVerificationNeeded with a verification code; for
	// reconnection it lands in StateResumingSession.
	ContinueHandshake(message []byte) (*HandshakeMessage, error)

	// VerifyPin finalizes an association handshake after the user
	// confirmed the verification code out of band. Yields the key.
	VerifyPin() (*HandshakeMessage, error)

	// InitReconnectAuthentication produces the initiator's reconnection
	// proof over the previously stored key.
	InitReconnectAuthentication(previousKey []byte) (*HandshakeMessage, error)

	// AuthenticateReconnection consumes the peer's reconnection proof and
	// on success yields the rotated session key.
	AuthenticateReconnection(message, previousKey []byte) (*HandshakeMessage, error)
}
