package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/muurk/tuyalan/internal/tuyacrypto"
)

// Session key negotiation (protocols 3.4 and 3.5).
//
// The exchange is a three-message challenge-response carried on the normal
// frame codec with the device local key:
//
//	client -> device  SessNegotiate      local_nonce (16 bytes)
//	device -> client  SessNegotiateResp  remote_nonce (16) || HMAC(local_key, local_nonce) (32)
//	client -> device  SessKeyNegFinish   HMAC(local_key, remote_nonce) (32)
//
// Both sides then derive the session key from local_nonce XOR remote_nonce.

// NonceSize is the handshake nonce length.
const NonceSize = 16

// negotiateRespSize is remote nonce plus the 32-byte proof.
const negotiateRespSize = NonceSize + 32

// ErrHandshakeProof is returned when the device's HMAC proof over our
// nonce does not verify, which almost always means a wrong local key.
var ErrHandshakeProof = errors.New("session negotiation proof mismatch")

// NewNonce returns a fresh 16-byte handshake nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// ParseNegotiateResponse splits and verifies a SessNegotiateResp payload,
// returning the device's nonce.
func ParseNegotiateResponse(localKey, localNonce, payload []byte) ([]byte, error) {
	if len(payload) < negotiateRespSize {
		return nil, fmt.Errorf("negotiation response is %d bytes, want %d", len(payload), negotiateRespSize)
	}
	remoteNonce := payload[:NonceSize]
	proof := payload[NonceSize:negotiateRespSize]
	if !tuyacrypto.VerifyHMAC(localKey, localNonce, proof) {
		return nil, ErrHandshakeProof
	}
	return append([]byte(nil), remoteNonce...), nil
}

// FinishPayload builds the SessKeyNegFinish payload proving possession of
// the local key over the device's nonce.
func FinishPayload(localKey, remoteNonce []byte) []byte {
	return tuyacrypto.HMACSHA256(localKey, remoteNonce)
}

// SessionKey derives the 16-byte session key from the exchanged nonces.
//
// 3.4 encrypts the XOR of the nonces with AES-ECB under the local key.
// 3.5 runs the XOR through AES-GCM keyed with the local key and the first
// 12 bytes of the local nonce, keeping the first ciphertext block.
func SessionKey(version Version, localKey, localNonce, remoteNonce []byte) ([]byte, error) {
	if len(localNonce) != NonceSize || len(remoteNonce) == 0 {
		return nil, fmt.Errorf("bad nonce lengths %d/%d", len(localNonce), len(remoteNonce))
	}
	mixed := tuyacrypto.XORNonce(localNonce, remoteNonce)

	switch version {
	case Version34:
		return tuyacrypto.EncryptECB(localKey, mixed, false)
	case Version35:
		sealed, err := tuyacrypto.SealGCM(localKey, localNonce[:tuyacrypto.GCMNonceSize], nil, mixed)
		if err != nil {
			return nil, err
		}
		return sealed[:tuyacrypto.BlockSize], nil
	default:
		return nil, fmt.Errorf("version %s does not negotiate a session key", version)
	}
}
