package keys

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

var testMaster = bytes.Repeat([]byte{0x42}, 32)

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey(testMaster, "pool-account-0")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, _ := DeriveKey(testMaster, "pool-account-0")
	c, _ := DeriveKey(testMaster, "pool-account-1")

	if !bytes.Equal(a, b) {
		t.Error("same label should derive the same key")
	}
	if bytes.Equal(a, c) {
		t.Error("different labels should derive different keys")
	}
	if _, err := DeriveKey(nil, "x"); err == nil {
		t.Error("empty master key should fail")
	}
}

func TestKeyringAddresses(t *testing.T) {
	kr, err := NewKeyring(testMaster, 3)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	addrs := kr.Addresses()
	if len(addrs) != 3 {
		t.Fatalf("got %d addresses, want 3", len(addrs))
	}
	seen := map[string]bool{kr.FunderAddress(): true}
	for _, a := range addrs {
		if len(a) != 42 || a[:2] != "0x" {
			t.Errorf("address %q is not 0x-prefixed 20 byte hex", a)
		}
		if seen[a] {
			t.Errorf("duplicate address %s", a)
		}
		seen[a] = true
	}

	again, _ := NewKeyring(testMaster, 3)
	for i, a := range again.Addresses() {
		if a != addrs[i] {
			t.Errorf("address %d changed between derivations", i)
		}
	}
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	kr, err := NewKeyring(testMaster, 2)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	addr := kr.Addresses()[1]
	txID := bytes.Repeat([]byte{0x01}, 32)

	sig, err := kr.Sign(ctx, txID, addr)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, err := kr.PublicKey(addr)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !Verify(pub, txID, sig) {
		t.Error("signature does not verify")
	}
	if Verify(pub, bytes.Repeat([]byte{0x02}, 32), sig) {
		t.Error("signature verifies for a different id")
	}

	other, _ := kr.PublicKey(kr.Addresses()[0])
	if Verify(other, txID, sig) {
		t.Error("signature verifies under another key")
	}
}

func TestSignUnknownAddress(t *testing.T) {
	kr, _ := NewKeyring(testMaster, 1)
	_, err := kr.Sign(context.Background(), []byte{1}, "0x0000000000000000000000000000000000000000")
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("got %v, want ErrUnknownAddress", err)
	}
}
