package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const tenantKDFSalt = "settld-tenant-kdf"

// KeyResolver maps a signer key id to its hex public key.
type KeyResolver interface {
	PublicKeyFor(keyID string) (string, bool)
}

// Keyring derives per-tenant signing keys from a root seed with HKDF-SHA256
// and remembers every key it has handed out so signatures can be verified later.
type Keyring struct {
	root *Ed25519Signer

	mu      sync.RWMutex
	tenants map[string]*Ed25519Signer
	pubs    map[string]string
}

func NewKeyring(root *Ed25519Signer) *Keyring {
	k := &Keyring{
		root:    root,
		tenants: make(map[string]*Ed25519Signer),
		pubs:    make(map[string]string),
	}
	k.pubs[root.KeyID()] = root.PublicKey()
	return k
}

// Root returns the root signer.
func (k *Keyring) Root() *Ed25519Signer {
	return k.root
}

// ForTenant returns the deterministic signer for tenantID.
func (k *Keyring) ForTenant(tenantID string) (*Ed25519Signer, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID must not be empty")
	}
	k.mu.RLock()
	s, ok := k.tenants[tenantID]
	k.mu.RUnlock()
	if ok {
		return s, nil
	}

	r := hkdf.New(sha256.New, k.root.Seed(), []byte(tenantKDFSalt), []byte(tenantID))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	derived, err := NewEd25519SignerFromSeed(seed, "")
	if err != nil {
		return nil, err
	}
	derived.keyID = fmt.Sprintf("tenant:%s:%s", tenantID, derived.PublicKey()[:16])

	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.tenants[tenantID]; ok {
		return existing, nil
	}
	k.tenants[tenantID] = derived
	k.pubs[derived.keyID] = derived.PublicKey()
	return derived, nil
}

// Register adds an externally held verification key.
func (k *Keyring) Register(keyID, pubKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pubs[keyID] = pubKeyHex
}

// PublicKeyFor resolves keyID. Tenant key ids are re-derived on demand, so
// events signed before a restart still verify.
func (k *Keyring) PublicKeyFor(keyID string) (string, bool) {
	k.mu.RLock()
	pub, ok := k.pubs[keyID]
	k.mu.RUnlock()
	if ok {
		return pub, true
	}
	rest, found := strings.CutPrefix(keyID, "tenant:")
	if !found {
		return "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false
	}
	s, err := k.ForTenant(rest[:idx])
	if err != nil || s.KeyID() != keyID {
		return "", false
	}
	return s.PublicKey(), true
}
