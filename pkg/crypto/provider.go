package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/salsa20"
	"lukechampine.com/blake3"
)

// Config configures a GoProvider.
type Config struct {
	// CacheSize bounds the verification and key-derivation caches.
	// Default: 10,000 entries.
	CacheSize int

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// GoProvider implements Provider with pure Go primitives.
type GoProvider struct {
	logger *slog.Logger

	// Derived public IDs and successful verifications are immutable facts,
	// so entries never need invalidation.
	signerIDs *lru.Cache[SignerSecret, SignerID]
	sealerIDs *lru.Cache[SealerSecret, SealerID]
	verified  *lru.Cache[string, bool]
}

var _ Provider = (*GoProvider)(nil)

// NewGoProvider creates a GoProvider.
func NewGoProvider(cfg Config) (*GoProvider, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	signerIDs, err := lru.New[SignerSecret, SignerID](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create signer cache: %w", err)
	}
	sealerIDs, err := lru.New[SealerSecret, SealerID](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create sealer cache: %w", err)
	}
	verified, err := lru.New[string, bool](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create verify cache: %w", err)
	}
	return &GoProvider{
		logger:    cfg.Logger,
		signerIDs: signerIDs,
		sealerIDs: sealerIDs,
		verified:  verified,
	}, nil
}

// MustGoProvider is NewGoProvider with default config, panicking on failure.
func MustGoProvider() *GoProvider {
	p, err := NewGoProvider(Config{})
	if err != nil {
		panic(fmt.Sprintf("failed to create crypto provider: %v", err))
	}
	return p
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return b
}

func decodeZ(s, prefix string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: expected prefix %q", ErrInvalidFormat, prefix)
	}
	b, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return b, nil
}

func decodeU(s, prefix string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: expected prefix %q", ErrInvalidFormat, prefix)
	}
	b, err := base64.URLEncoding.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return b, nil
}

func nonceFor(nonceMaterial any) (*[24]byte, error) {
	b, err := Canonical(nonceMaterial)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(b)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return &nonce, nil
}

func (p *GoProvider) RandomBase58(n int) string {
	return base58.Encode(randomBytes(n))
}

func (p *GoProvider) NewRandomSigner() SignerSecret {
	return SignerSecret(prefixSignerSecret + base58.Encode(randomBytes(ed25519.SeedSize)))
}

func signingKey(secret SignerSecret) (ed25519.PrivateKey, error) {
	seed, err := decodeZ(string(secret), prefixSignerSecret)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signer secret is %d bytes", ErrInvalidFormat, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (p *GoProvider) SignerID(secret SignerSecret) (SignerID, error) {
	if id, ok := p.signerIDs.Get(secret); ok {
		return id, nil
	}
	key, err := signingKey(secret)
	if err != nil {
		return "", err
	}
	id := SignerID(prefixSignerID + base58.Encode(key.Public().(ed25519.PublicKey)))
	p.signerIDs.Add(secret, id)
	return id, nil
}

func (p *GoProvider) Sign(secret SignerSecret, message any) (Signature, error) {
	key, err := signingKey(secret)
	if err != nil {
		return "", err
	}
	msg, err := Canonical(message)
	if err != nil {
		return "", err
	}
	return Signature(prefixSignature + base58.Encode(ed25519.Sign(key, msg))), nil
}

func (p *GoProvider) Verify(signature Signature, message any, id SignerID) bool {
	msg, err := Canonical(message)
	if err != nil {
		return false
	}
	cacheKey := string(signature) + "|" + string(id) + "|" + string(msg)
	if ok, hit := p.verified.Get(cacheKey); hit {
		return ok
	}
	sig, err := decodeZ(string(signature), prefixSignature)
	if err != nil {
		return false
	}
	pub, err := decodeZ(string(id), prefixSignerID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	ok := ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	if ok {
		p.verified.Add(cacheKey, true)
	}
	return ok
}

func (p *GoProvider) NewRandomSealer() SealerSecret {
	return SealerSecret(prefixSealerSecret + base58.Encode(randomBytes(curve25519.ScalarSize)))
}

func sealerKey(secret SealerSecret) (*[32]byte, error) {
	b, err := decodeZ(string(secret), prefixSealerSecret)
	if err != nil {
		return nil, err
	}
	if len(b) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: sealer secret is %d bytes", ErrInvalidFormat, len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func sealerPublic(id SealerID) (*[32]byte, error) {
	b, err := decodeZ(string(id), prefixSealerID)
	if err != nil {
		return nil, err
	}
	if len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: sealer id is %d bytes", ErrInvalidFormat, len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func (p *GoProvider) SealerID(secret SealerSecret) (SealerID, error) {
	if id, ok := p.sealerIDs.Get(secret); ok {
		return id, nil
	}
	priv, err := sealerKey(secret)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive sealer id: %w", err)
	}
	id := SealerID(prefixSealerID + base58.Encode(pub))
	p.sealerIDs.Add(secret, id)
	return id, nil
}

func (p *GoProvider) Seal(in SealInput) (Sealed, error) {
	priv, err := sealerKey(in.From)
	if err != nil {
		return "", err
	}
	pub, err := sealerPublic(in.To)
	if err != nil {
		return "", err
	}
	nonce, err := nonceFor(in.NonceMaterial)
	if err != nil {
		return "", err
	}
	plaintext, err := Canonical(in.Message)
	if err != nil {
		return "", err
	}
	sealed := box.Seal(nil, plaintext, nonce, pub, priv)
	return Sealed(prefixSealed + base64.URLEncoding.EncodeToString(sealed)), nil
}

func (p *GoProvider) Unseal(sealed Sealed, to SealerSecret, from SealerID, nonceMaterial any) (json.RawMessage, error) {
	priv, err := sealerKey(to)
	if err != nil {
		return nil, err
	}
	pub, err := sealerPublic(from)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeU(string(sealed), prefixSealed)
	if err != nil {
		return nil, err
	}
	nonce, err := nonceFor(nonceMaterial)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.Open(nil, ciphertext, nonce, pub, priv)
	if !ok {
		return nil, ErrUnseal
	}
	if !json.Valid(plaintext) {
		return nil, ErrUnseal
	}
	return json.RawMessage(plaintext), nil
}

func (p *GoProvider) NewRandomKeySecret() KeyPair {
	return KeyPair{
		ID:     KeyID(prefixKeyID + base58.Encode(randomBytes(12))),
		Secret: KeySecret(prefixKeySecret + base58.Encode(randomBytes(32))),
	}
}

func symmetricKey(secret KeySecret) (*[32]byte, error) {
	b, err := decodeZ(string(secret), prefixKeySecret)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: key secret is %d bytes", ErrInvalidFormat, len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// Encrypt applies XSalsa20 to the canonical encoding of value. The stream
// cipher is unauthenticated; integrity comes from the session signature chain
// that covers the ciphertext.
func (p *GoProvider) Encrypt(value any, key KeySecret, nonceMaterial any) (Encrypted, error) {
	k, err := symmetricKey(key)
	if err != nil {
		return "", err
	}
	nonce, err := nonceFor(nonceMaterial)
	if err != nil {
		return "", err
	}
	plaintext, err := Canonical(value)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(plaintext))
	salsa20.XORKeyStream(out, plaintext, nonce[:], k)
	return Encrypted(prefixEncrypted + base64.URLEncoding.EncodeToString(out)), nil
}

// Decrypt reverses Encrypt. A wrong key produces garbage, which is reported as
// ErrDecrypt when it does not parse as JSON.
func (p *GoProvider) Decrypt(encrypted Encrypted, key KeySecret, nonceMaterial any) (json.RawMessage, error) {
	k, err := symmetricKey(key)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeU(string(encrypted), prefixEncrypted)
	if err != nil {
		return nil, err
	}
	nonce, err := nonceFor(nonceMaterial)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	salsa20.XORKeyStream(out, ciphertext, nonce[:], k)
	if !json.Valid(out) {
		return nil, ErrDecrypt
	}
	return json.RawMessage(out), nil
}

type keyNonce struct {
	EncryptedID  KeyID `json:"encryptedID"`
	EncryptingID KeyID `json:"encryptingID"`
}

func (p *GoProvider) EncryptKeySecret(toEncrypt, encrypting KeyPair) (Encrypted, error) {
	return p.Encrypt(toEncrypt.Secret, encrypting.Secret, keyNonce{EncryptedID: toEncrypt.ID, EncryptingID: encrypting.ID})
}

func (p *GoProvider) DecryptKeySecret(encrypted Encrypted, encryptedID KeyID, encrypting KeyPair) (KeySecret, error) {
	raw, err := p.Decrypt(encrypted, encrypting.Secret, keyNonce{EncryptedID: encryptedID, EncryptingID: encrypting.ID})
	if err != nil {
		return "", err
	}
	var secret string
	if err := json.Unmarshal(raw, &secret); err != nil || !strings.HasPrefix(secret, prefixKeySecret) {
		return "", ErrDecrypt
	}
	return KeySecret(secret), nil
}

func (p *GoProvider) SecureHash(value any) (Hash, error) {
	b, err := Canonical(value)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return Hash(prefixHash + base58.Encode(sum[:])), nil
}

func (p *GoProvider) ShortHash(value any) (ShortHash, error) {
	b, err := Canonical(value)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return ShortHash(prefixShortHash + base58.Encode(sum[:ShortHashLength])), nil
}

func (p *GoProvider) NewStreamingHash() *StreamingHash {
	return newStreamingHash()
}

func (p *GoProvider) NewRandomAgentSecret() AgentSecret {
	return AgentSecretFrom(p.NewRandomSealer(), p.NewRandomSigner())
}

func (p *GoProvider) AgentID(secret AgentSecret) (AgentID, error) {
	sealer, signer, err := SplitAgentSecret(secret)
	if err != nil {
		return "", err
	}
	sealerID, err := p.SealerID(sealer)
	if err != nil {
		return "", err
	}
	signerID, err := p.SignerID(signer)
	if err != nil {
		return "", err
	}
	return AgentID(string(sealerID) + "/" + string(signerID)), nil
}

// ShortHashSuffix returns the base58 part of a short hash, which CoIDs reuse.
func ShortHashSuffix(h ShortHash) string {
	return strings.TrimPrefix(string(h), prefixShortHash)
}
