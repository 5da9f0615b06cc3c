// Package crypto provides the primitives CoValues are built on: Ed25519 signing,
// X25519 sealing, XSalsa20 symmetric encryption, BLAKE3 hashing and the
// string ID formats exchanged with other peers.
package crypto

import (
	"encoding/json"
	"errors"
	"strings"
)

// ID prefixes. These are part of the wire format and must not change.
const (
	prefixHash         = "hash_z"
	prefixShortHash    = "shortHash_z"
	prefixSignature    = "signature_z"
	prefixSignerSecret = "signerSecret_z"
	prefixSignerID     = "signer_z"
	prefixSealerSecret = "sealerSecret_z"
	prefixSealerID     = "sealer_z"
	prefixKeySecret    = "keySecret_z"
	prefixKeyID        = "key_z"
	prefixEncrypted    = "encrypted_U"
	prefixSealed       = "sealed_U"
)

// ShortHashLength is the number of BLAKE3 digest bytes kept in a short hash.
const ShortHashLength = 19

var (
	ErrInvalidFormat = errors.New("crypto: invalid encoded value")
	ErrDecrypt       = errors.New("crypto: decryption failed")
	ErrUnseal        = errors.New("crypto: unsealing failed")
)

type (
	Hash         string
	ShortHash    string
	Signature    string
	SignerSecret string
	SignerID     string
	SealerSecret string
	SealerID     string
	KeySecret    string
	KeyID        string
	Encrypted    string
	Sealed       string
	AgentSecret  string
	AgentID      string
)

// KeyPair is a symmetric key and its public identifier.
type KeyPair struct {
	ID     KeyID
	Secret KeySecret
}

// SealInput describes a message sealed from one agent to another.
type SealInput struct {
	Message       any
	From          SealerSecret
	To            SealerID
	NonceMaterial any
}

// Provider is the pluggable set of cryptographic operations a node needs.
type Provider interface {
	NewRandomSigner() SignerSecret
	SignerID(secret SignerSecret) (SignerID, error)
	Sign(secret SignerSecret, message any) (Signature, error)
	Verify(signature Signature, message any, id SignerID) bool

	NewRandomSealer() SealerSecret
	SealerID(secret SealerSecret) (SealerID, error)
	Seal(in SealInput) (Sealed, error)
	Unseal(sealed Sealed, to SealerSecret, from SealerID, nonceMaterial any) (json.RawMessage, error)

	NewRandomKeySecret() KeyPair
	Encrypt(value any, key KeySecret, nonceMaterial any) (Encrypted, error)
	Decrypt(encrypted Encrypted, key KeySecret, nonceMaterial any) (json.RawMessage, error)
	EncryptKeySecret(toEncrypt, encrypting KeyPair) (Encrypted, error)
	DecryptKeySecret(encrypted Encrypted, encryptedID KeyID, encrypting KeyPair) (KeySecret, error)

	SecureHash(value any) (Hash, error)
	ShortHash(value any) (ShortHash, error)
	NewStreamingHash() *StreamingHash

	NewRandomAgentSecret() AgentSecret
	AgentID(secret AgentSecret) (AgentID, error)

	RandomBase58(n int) string
}

// AgentSecretFrom joins a sealer and signer secret.
func AgentSecretFrom(sealer SealerSecret, signer SignerSecret) AgentSecret {
	return AgentSecret(string(sealer) + "/" + string(signer))
}

// SplitAgentSecret returns the sealer and signer halves of an agent secret.
func SplitAgentSecret(secret AgentSecret) (SealerSecret, SignerSecret, error) {
	sealer, signer, ok := strings.Cut(string(secret), "/")
	if !ok || !strings.HasPrefix(sealer, prefixSealerSecret) || !strings.HasPrefix(signer, prefixSignerSecret) {
		return "", "", ErrInvalidFormat
	}
	return SealerSecret(sealer), SignerSecret(signer), nil
}

// SplitAgentID returns the sealer and signer halves of an agent ID.
func SplitAgentID(id AgentID) (SealerID, SignerID, error) {
	sealer, signer, ok := strings.Cut(string(id), "/")
	if !ok || !strings.HasPrefix(sealer, prefixSealerID) || !strings.HasPrefix(signer, prefixSignerID) {
		return "", "", ErrInvalidFormat
	}
	return SealerID(sealer), SignerID(signer), nil
}

// IsAgentID reports whether s has the sealer/signer agent ID shape.
func IsAgentID(s string) bool {
	_, _, err := SplitAgentID(AgentID(s))
	return err == nil
}

// IsKeyID reports whether s is a symmetric key identifier.
func IsKeyID(s string) bool {
	return strings.HasPrefix(s, prefixKeyID)
}
