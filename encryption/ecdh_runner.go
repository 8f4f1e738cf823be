package encryption

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings. These are part of the protocol; changing one breaks
// interop with paired devices.
const (
	infoSessionKey = "carlink session key"
	infoResumeKey  = "carlink resume key"
	infoRotatedKey = "carlink rotated key"
)

// HMAC labels for the handshake transcript.
var (
	labelClientFinished = []byte("client finished")
	labelResumeInit     = []byte("resume init")
	labelClientAuth     = []byte("client auth")
	labelServerAuth     = []byte("server auth")
	labelVerification   = []byte("verification code")
)

// VerificationCodeDigits is the length of the pairing code shown to the
// user.
const VerificationCodeDigits = 6

type runnerRole int

const (
	roleUndecided runnerRole = iota
	roleInitiator
	roleResponder
)

// ecdhRunner implements Runner with an ECDH P-256 agreement, HKDF-SHA256
// key derivation and HMAC-authenticated session resumption.
type ecdhRunner struct {
	isReconnect bool
	role        runnerRole
	state       HandshakeState

	private *ecdh.PrivateKey
	secret  []byte

	// sessionKey is the key pending user verification (association) or
	// the transcript key for resumption HMACs (reconnection).
	sessionKey []byte
	resumeKey  []byte
}

// NewRunner returns a fresh handshake runner. One runner serves exactly one
// connection attempt.
func NewRunner() Runner {
	return &ecdhRunner{state: StateUnknown}
}

func (r *ecdhRunner) SetReconnect(isReconnect bool) {
	r.isReconnect = isReconnect
}

func (r *ecdhRunner) InitHandshake() (*HandshakeMessage, error) {
	if r.state != StateUnknown {
		return nil, fmt.Errorf("%w: InitHandshake in state %s", ErrInvalidState, r.state)
	}
	if err := r.generateKeyPair(); err != nil {
		return nil, err
	}
	r.role = roleInitiator
	r.state = StateInProgress
	return &HandshakeMessage{
		State:       r.state,
		NextMessage: r.private.PublicKey().Bytes(),
	}, nil
}

func (r *ecdhRunner) RespondToInitRequest(message []byte) (*HandshakeMessage, error) {
	if r.state != StateUnknown {
		return nil, fmt.Errorf("%w: RespondToInitRequest in state %s", ErrInvalidState, r.state)
	}
	if err := r.generateKeyPair(); err != nil {
		return nil, err
	}
	if err := r.agree(message); err != nil {
		return nil, err
	}
	r.role = roleResponder
	r.state = StateInProgress
	return &HandshakeMessage{
		State:       r.state,
		NextMessage: r.private.PublicKey().Bytes(),
	}, nil
}

func (r *ecdhRunner) ContinueHandshake(message []byte) (*HandshakeMessage, error) {
	if r.state != StateInProgress {
		return nil, fmt.Errorf("%w: ContinueHandshake in state %s", ErrInvalidState, r.state)
	}

	switch r.role {
	case roleInitiator:
		// The peer frame is the responder's public key.
		if err := r.agree(message); err != nil {
			return nil, err
		}
		if r.isReconnect {
			r.state = StateResumingSession
			return &HandshakeMessage{
				State:       r.state,
				NextMessage: mac(r.sessionKey, labelResumeInit),
			}, nil
		}
		r.state = StateVerificationNeeded
		return &HandshakeMessage{
			State:            r.state,
			NextMessage:      mac(r.sessionKey, labelClientFinished),
			VerificationCode: r.verificationCode(),
		}, nil

	case roleResponder:
		if r.isReconnect {
			if !hmac.Equal(message, mac(r.sessionKey, labelResumeInit)) {
				return nil, fmt.Errorf("%w: resume announcement mismatch", ErrAuthentication)
			}
			r.state = StateResumingSession
			return &HandshakeMessage{State: r.state}, nil
		}
		if !hmac.Equal(message, mac(r.sessionKey, labelClientFinished)) {
			return nil, fmt.Errorf("%w: transcript confirmation mismatch", ErrAuthentication)
		}
		r.state = StateVerificationNeeded
		return &HandshakeMessage{
			State:            r.state,
			VerificationCode: r.verificationCode(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: handshake not initialized", ErrInvalidState)
	}
}

func (r *ecdhRunner) VerifyPin() (*HandshakeMessage, error) {
	if r.state != StateVerificationNeeded {
		return nil, fmt.Errorf("%w: VerifyPin in state %s", ErrInvalidState, r.state)
	}
	key, err := NewKey(r.sessionKey)
	if err != nil {
		return nil, err
	}
	r.state = StateFinished
	return &HandshakeMessage{State: r.state, Key: key}, nil
}

func (r *ecdhRunner) InitReconnectAuthentication(previousKey []byte) (*HandshakeMessage, error) {
	if r.state != StateResumingSession || r.role != roleInitiator {
		return nil, fmt.Errorf("%w: InitReconnectAuthentication in state %s", ErrInvalidState, r.state)
	}
	if err := r.deriveResumeKey(previousKey); err != nil {
		return nil, err
	}
	return &HandshakeMessage{
		State:       r.state,
		NextMessage: mac(r.resumeKey, labelClientAuth),
	}, nil
}

func (r *ecdhRunner) AuthenticateReconnection(message, previousKey []byte) (*HandshakeMessage, error) {
	if r.state != StateResumingSession {
		return nil, fmt.Errorf("%w: AuthenticateReconnection in state %s", ErrInvalidState, r.state)
	}
	if r.resumeKey == nil {
		if err := r.deriveResumeKey(previousKey); err != nil {
			return nil, err
		}
	}

	var expect, reply []byte
	if r.role == roleResponder {
		expect = mac(r.resumeKey, labelClientAuth)
		reply = mac(r.resumeKey, labelServerAuth)
	} else {
		expect = mac(r.resumeKey, labelServerAuth)
	}
	if !hmac.Equal(message, expect) {
		return nil, fmt.Errorf("%w: reconnection proof mismatch", ErrAuthentication)
	}

	rotated, err := derive(r.resumeKey, nil, infoRotatedKey)
	if err != nil {
		return nil, err
	}
	key, err := NewKey(rotated)
	if err != nil {
		return nil, err
	}
	r.state = StateFinished
	return &HandshakeMessage{State: r.state, NextMessage: reply, Key: key}, nil
}

func (r *ecdhRunner) generateKeyPair() error {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("encryption: generate key: %w", err)
	}
	r.private = private
	return nil
}

// agree computes the shared secret with the peer's public key and derives
// the session key for this handshake.
func (r *ecdhRunner) agree(peerPublic []byte) error {
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	secret, err := r.private.ECDH(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	r.secret = secret
	r.sessionKey, err = derive(secret, nil, infoSessionKey)
	return err
}

func (r *ecdhRunner) deriveResumeKey(previousKey []byte) error {
	if len(previousKey) == 0 {
		return fmt.Errorf("%w: no previous key", ErrAuthentication)
	}
	var err error
	r.resumeKey, err = derive(r.secret, previousKey, infoResumeKey)
	return err
}

// verificationCode renders the pairing code both sides display for the
// user to compare.
func (r *ecdhRunner) verificationCode() string {
	sum := mac(r.sessionKey, labelVerification)
	n := binary.BigEndian.Uint32(sum[:4]) % 1_000_000
	return fmt.Sprintf("%0*d", VerificationCodeDigits, n)
}

func derive(secret, salt []byte, info string) ([]byte, error) {
	out := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("encryption: HKDF: %w", err)
	}
	return out, nil
}

func mac(key, label []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(label)
	return h.Sum(nil)
}
