package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Newer appliance firmware refuses plaintext http bodies and expects the
// whole envelope wrapped in AES-CBC with a key derived from the device
// identity. The scheme is fixed: static ascii zero IV, zero byte padding
// and base64 framing, with devices advertising support through the
// Appliance.Encrypt.ECDHE ability.

// encryptionIV is sixteen ascii zeros, not sixteen zero bytes.
var encryptionIV = []byte("0000000000000000")

// EncryptionKey derives the AES key for a device from slices of its uuid,
// shared key and mac address. The result is the 32 character hex digest
// used directly as key material.
func EncryptionKey(uuid, key, mac string) []byte {
	sum := md5.Sum([]byte(cut(uuid, 3, 22) + cut(key, 1, 9) + mac + cut(key, 10, 28)))
	out := make([]byte, 32)
	hex.Encode(out, sum[:])
	return out
}

// cut slices s clamped to its length, the permissive slicing the firmware
// derivation relies on for short keys.
func cut(s string, from, to int) string {
	if from >= len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

// Cipher encrypts and decrypts http bodies for devices that require
// payload encryption. A Cipher is safe for concurrent use: each call
// derives a fresh CBC stream from the fixed IV.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a Cipher from key material produced by EncryptionKey.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return &Cipher{block: block}, nil
}

// Encrypt zero pads data to the block size, encrypts it and wraps the
// result in base64 for the http body.
func (c *Cipher) Encrypt(data []byte) []byte {
	if rem := len(data) % aes.BlockSize; rem != 0 {
		padded := make([]byte, len(data)+aes.BlockSize-rem)
		copy(padded, data)
		data = padded
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, encryptionIV).CryptBlocks(out, data)
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
	base64.StdEncoding.Encode(enc, out)
	return enc
}

// Decrypt reverses Encrypt and strips the zero padding from the tail.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	raw = raw[:n]
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not block aligned", ErrEncryption, len(raw))
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, encryptionIV).CryptBlocks(out, raw)
	return bytes.TrimRight(out, "\x00"), nil
}
