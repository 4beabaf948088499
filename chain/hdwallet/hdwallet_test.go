package hdwallet

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestNewRejectsInvalidMnemonic(t *testing.T) {
	c := qt.New(t)
	_, err := New("definitely not a mnemonic", "")
	c.Assert(err, qt.IsNotNil)
}

func TestEscrowIndexDeterministic(t *testing.T) {
	c := qt.New(t)
	idx := EscrowIndex("deal-1", "alice")
	c.Assert(EscrowIndex("deal-1", "alice"), qt.Equals, idx)
	c.Assert(EscrowIndex("deal-1", "bob"), qt.Not(qt.Equals), idx)
	c.Assert(EscrowIndex("deal-2", "alice"), qt.Not(qt.Equals), idx)
	// Indexes must stay in the non-hardened range.
	c.Assert(idx < 0x80000000, qt.IsTrue)
}

func TestDeriveEscrowKeyStable(t *testing.T) {
	c := qt.New(t)
	w, err := New(testMnemonic, "")
	c.Assert(err, qt.IsNil)

	key1, idx1, path1, err := w.DeriveEscrowKey(CoinEthereum, "deal-1", "alice")
	c.Assert(err, qt.IsNil)
	key2, idx2, path2, err := w.DeriveEscrowKey(CoinEthereum, "deal-1", "alice")
	c.Assert(err, qt.IsNil)

	// Re-derivation after a restart must land on the same key.
	c.Assert(key1.Key.Equals(&key2.Key), qt.IsTrue)
	c.Assert(idx1, qt.Equals, idx2)
	c.Assert(path1, qt.Equals, path2)
	c.Assert(strings.HasPrefix(path1, "m/44'/60'/0'/0/"), qt.IsTrue)

	// Different party, different key.
	keyB, _, _, err := w.DeriveEscrowKey(CoinEthereum, "deal-1", "bob")
	c.Assert(err, qt.IsNil)
	c.Assert(key1.Key.Equals(&keyB.Key), qt.IsFalse)

	// Coin type changes the path and the key.
	keyBTC, _, pathBTC, err := w.DeriveEscrowKey(CoinBitcoin, "deal-1", "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(pathBTC, "m/44'/0'/0'/0/"), qt.IsTrue)
	c.Assert(key1.Key.Equals(&keyBTC.Key), qt.IsFalse)
}

func TestDeriveEscrowECDSA(t *testing.T) {
	c := qt.New(t)
	w, err := New(testMnemonic, "")
	c.Assert(err, qt.IsNil)

	priv, path, err := w.DeriveEscrowECDSA(CoinEthereum, "deal-1", "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(priv, qt.IsNotNil)
	c.Assert(path, qt.Equals, Path(CoinEthereum, EscrowIndex("deal-1", "alice")))
}

func TestPassphraseChangesKeys(t *testing.T) {
	c := qt.New(t)
	w1, err := New(testMnemonic, "")
	c.Assert(err, qt.IsNil)
	w2, err := New(testMnemonic, "extra")
	c.Assert(err, qt.IsNil)

	k1, _, _, err := w1.DeriveEscrowKey(CoinEthereum, "deal-1", "alice")
	c.Assert(err, qt.IsNil)
	k2, _, _, err := w2.DeriveEscrowKey(CoinEthereum, "deal-1", "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(k1.Key.Equals(&k2.Key), qt.IsFalse)
}
