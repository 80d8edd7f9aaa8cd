// Package api wires the dispatch/offline/push/group stack onto spec.md
// §6's REST and WebSocket surface. Grounded on the teacher's server/api_key.go
// and server/auth package for the request-authentication shape, and on
// EricNguyen1206-Notify-chat-service's gin controller layout for the REST
// framework wiring itself.
package api

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// uidFromPublicKey derives an account's uid from its ed25519 public key.
// The original implementation base58check-encodes a RIPEMD160(SHA256(pubkey))
// digest; byte-for-byte address compatibility isn't a spec invariant (see
// DESIGN.md), so this keeps the same "derived, not chosen, collision-free"
// property with stdlib-only primitives: a "1" prefix over the hex-encoded
// leading 20 bytes of sha256(pubkey).
func uidFromPublicKey(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return "1" + hex.EncodeToString(sum[:20])
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.New("api: public key is not valid base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("api: public key must be 32 bytes")
	}
	return ed25519.PublicKey(raw), nil
}

func decodeSignature(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.New("api: signature is not valid base64")
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, errors.New("api: signature must be 64 bytes")
	}
	return raw, nil
}

// checkUid reports whether uid is the one pubKey derives.
func checkUid(uid string, pubKey []byte) bool {
	return uid == uidFromPublicKey(pubKey)
}

// ed25519PubKey reinterprets a stored public key as an ed25519.PublicKey,
// without the base64/length checks decodePublicKey applies to client input.
func ed25519PubKey(raw []byte) ed25519.PublicKey {
	return ed25519.PublicKey(raw)
}

// verifyOwnership checks that the caller holds the private key matching
// pubKey by requiring a signature over the uid itself, standing in for the
// original's broader signed-payload proof (AccountHelper::verifySignature).
func verifyOwnership(pubKey ed25519.PublicKey, uid string, sig []byte) bool {
	return ed25519.Verify(pubKey, []byte(uid), sig)
}
