package protocol

import "encoding/binary"

// KeySize is the length in bytes of every packet cipher key.
const KeySize = 8

// DefaultKey is the well-known key both sides use for the first frames of a
// connection, before a session key has been negotiated.
var DefaultKey = [KeySize]byte{'m', '@', 'r', 'Q', 'n', '~', 'W', '#'}

// DefaultKeyUint64 returns the default key interpreted as a little-endian
// integer, which is the base value for session key derivation.
func DefaultKeyUint64() uint64 {
	return binary.LittleEndian.Uint64(DefaultKey[:])
}

// GenKey derives a session key from a base value (usually a server timestamp)
// and two integer seeds. Both sides compute the same key from values exchanged
// in the clear during the handshake; the multiplications wrap on overflow.
func GenKey(base uint64, iv1, iv2 int32) [KeySize]byte {
	key := DefaultKeyUint64() * (base * uint64(uint32(iv1+1)) * uint64(uint32(iv2+1)))

	var keyBytes [KeySize]byte
	binary.LittleEndian.PutUint64(keyBytes[:], key)
	return keyBytes
}

// KeyUint64 returns a key as its little-endian integer form, the representation
// used when a key travels inside a handoff packet.
func KeyUint64(key [KeySize]byte) uint64 {
	return binary.LittleEndian.Uint64(key[:])
}

// KeyFromUint64 is the inverse of KeyUint64.
func KeyFromUint64(v uint64) [KeySize]byte {
	var key [KeySize]byte
	binary.LittleEndian.PutUint64(key[:], v)
	return key
}

func xorBytes(buf []byte, key [KeySize]byte, size int) {
	for i := 0; i < size; i++ {
		buf[i] ^= key[i%KeySize]
	}
}

// byteSwap scrambles buf in place by reversing byte pairs spaced erSize apart,
// walking a rotating offset. Applying it twice with the same erSize restores
// the original buffer. Returns the number of bytes covered.
func byteSwap(erSize int, buf []byte) int {
	size := len(buf)
	num := 0
	num3 := 0

	for num+erSize <= size {
		num4 := num + num3
		num5 := num + (erSize - 1 - num3)

		buf[num4], buf[num5] = buf[num5], buf[num4]

		num += erSize
		num3++
		if num3 > erSize/2 {
			num3 = 0
		}
	}
	num2 := erSize - (num + erSize - size)
	return num + num2
}

func swapSize(bufLen int) int {
	return bufLen%(KeySize/2+1)*2 + KeySize
}

// EncryptPacket obscures a packet body in place: xor with the key, then a
// length-dependent byte swap.
func EncryptPacket(buf []byte, key [KeySize]byte) {
	xorBytes(buf, key, len(buf))
	byteSwap(swapSize(len(buf)), buf)
}

// DecryptPacket reverses EncryptPacket in place.
func DecryptPacket(buf []byte, key [KeySize]byte) {
	xorSize := byteSwap(swapSize(len(buf)), buf)
	xorBytes(buf, key, xorSize)
}
