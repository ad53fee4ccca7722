// Package keys derives the station's signing keys and signs transaction ids.
//
// Every key comes from the master key through HKDF, so the pool can be rebuilt
// from the master key and the pool size alone. Private keys never leave the
// process.
package keys

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	neokeys "github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"golang.org/x/crypto/hkdf"
)

// ErrUnknownAddress is returned when the keyring holds no key for an address.
var ErrUnknownAddress = errors.New("no key for address")

var hkdfSalt = []byte("gas-station")

// Signer produces witnesses for the station's accounts.
type Signer interface {
	Sign(ctx context.Context, txID []byte, address string) ([]byte, error)
}

// DeriveKey derives a 32-byte private scalar for the given context label.
func DeriveKey(masterKey []byte, label string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is required")
	}
	reader := hkdf.New(sha256.New, masterKey, hkdfSalt, []byte(label))
	okm := make([]byte, 32)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return okm, nil
}

// Address returns the hex script-hash address of a public key.
func Address(pub *neokeys.PublicKey) string {
	return "0x" + pub.GetScriptHash().StringLE()
}

// Keyring holds the pool keys and the funder key.
type Keyring struct {
	pool      map[string]*neokeys.PrivateKey
	addresses []string
	funder    *neokeys.PrivateKey
}

var _ Signer = (*Keyring)(nil)

// NewKeyring derives count pool keys and the funder key from masterKey.
func NewKeyring(masterKey []byte, count int) (*Keyring, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", count)
	}
	kr := &Keyring{
		pool:      make(map[string]*neokeys.PrivateKey, count),
		addresses: make([]string, 0, count),
	}
	for i := 0; i < count; i++ {
		priv, err := derivePrivateKey(masterKey, fmt.Sprintf("pool-account-%d", i))
		if err != nil {
			return nil, err
		}
		addr := Address(priv.PublicKey())
		kr.pool[strings.ToLower(addr)] = priv
		kr.addresses = append(kr.addresses, addr)
	}
	funder, err := derivePrivateKey(masterKey, "funder")
	if err != nil {
		return nil, err
	}
	kr.funder = funder
	return kr, nil
}

func derivePrivateKey(masterKey []byte, label string) (*neokeys.PrivateKey, error) {
	derived, err := DeriveKey(masterKey, label)
	if err != nil {
		return nil, err
	}
	priv, err := neokeys.NewPrivateKeyFromBytes(derived)
	if err != nil {
		return nil, fmt.Errorf("create private key %s: %w", label, err)
	}
	return priv, nil
}

// Addresses returns the pool addresses in derivation order.
func (k *Keyring) Addresses() []string {
	return append([]string(nil), k.addresses...)
}

// FunderAddress returns the address of the funder account.
func (k *Keyring) FunderAddress() string {
	return Address(k.funder.PublicKey())
}

// PublicKey returns the public key behind address.
func (k *Keyring) PublicKey(address string) (*neokeys.PublicKey, error) {
	priv, err := k.lookup(address)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey(), nil
}

func (k *Keyring) lookup(address string) (*neokeys.PrivateKey, error) {
	if strings.EqualFold(address, k.FunderAddress()) {
		return k.funder, nil
	}
	priv, ok := k.pool[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	return priv, nil
}

// Sign signs txID with the key owning address.
func (k *Keyring) Sign(ctx context.Context, txID []byte, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(txID) == 0 {
		return nil, fmt.Errorf("transaction id is empty")
	}
	priv, err := k.lookup(address)
	if err != nil {
		return nil, err
	}
	return priv.Sign(txID), nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *neokeys.PublicKey, txID, signature []byte) bool {
	h := hash.Sha256(txID)
	return pub.Verify(signature, h.BytesBE())
}
