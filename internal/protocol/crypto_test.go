package protocol

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := [][KeySize]byte{
		DefaultKey,
		GenKey(0x1122334455667788, 3, 69),
	}
	for _, key := range keys {
		for size := 1; size <= 128; size++ {
			original := make([]byte, size)
			for i := range original {
				original[i] = byte(i * 7)
			}

			buf := make([]byte, size)
			copy(buf, original)

			EncryptPacket(buf, key)
			DecryptPacket(buf, key)

			if !bytes.Equal(buf, original) {
				t.Fatalf("round trip failed for size %d with key %v", size, key)
			}
		}
	}
}

func TestEncryptChangesBuffer(t *testing.T) {
	buf := []byte("a reasonably long plaintext body")
	original := make([]byte, len(buf))
	copy(original, buf)

	EncryptPacket(buf, DefaultKey)

	if bytes.Equal(buf, original) {
		t.Error("EncryptPacket left the buffer unchanged")
	}
}

func TestGenKeyIdentityVector(t *testing.T) {
	// base=1 with zero seeds multiplies the default key by exactly 1.
	key := GenKey(1, 0, 0)
	if key != DefaultKey {
		t.Errorf("GenKey(1, 0, 0) = %v, want the default key %v", key, DefaultKey)
	}
}

func TestGenKeyZeroBase(t *testing.T) {
	key := GenKey(0, 5, 12)
	if KeyUint64(key) != 0 {
		t.Errorf("GenKey with zero base = %v, want all zero", key)
	}
}

func TestGenKeyDistinctSeeds(t *testing.T) {
	base := uint64(1690000000000)
	a := GenKey(base, 1, 69)
	b := GenKey(base, 2, 69)
	c := GenKey(base, 1, 70)

	if a == b || a == c || b == c {
		t.Errorf("expected distinct keys, got %v %v %v", a, b, c)
	}
	if a != GenKey(base, 1, 69) {
		t.Error("GenKey is not deterministic")
	}
}

func TestKeyUint64RoundTrip(t *testing.T) {
	key := GenKey(987654321, 4, 2)
	if got := KeyFromUint64(KeyUint64(key)); got != key {
		t.Errorf("KeyFromUint64(KeyUint64(key)) = %v, want %v", got, key)
	}
}
