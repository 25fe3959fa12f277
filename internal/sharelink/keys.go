package sharelink

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation constants. These are public protocol parameters, not
// secrets: both ends must derive byte-identical keys from the password plus
// the values visible in the link. Changing any of them breaks every link in
// the wild and requires a schema version bump.
const (
	// SaltSize is the length of the random salt prefixed to every link.
	SaltSize = 10
	// NonceSize is the length of the random AES-GCM nonce that follows it.
	NonceSize = 10
	// KeyIterations is the fixed PBKDF2 iteration count. The point is a
	// deliberate, reproducible time cost against brute force.
	KeyIterations = 8192
	// KeySize is the derived AES-256 key length.
	KeySize = 32
)

// DeriveDecryptionKey derives the symmetric key protecting a share link from
// the out-of-band password and the salt carried in the link itself. It is a
// pure function: identical inputs produce identical output on both the
// sending and the receiving end.
func DeriveDecryptionKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, ErrInvalidPassword
	}
	return pbkdf2.Key([]byte(password), salt, KeyIterations, KeySize, sha256.New), nil
}

// DeriveMasterKey derives the key encrypting the local persisted store. It
// stretches the decryption-key seed again with the salt and nonce so that the
// master key never equals the link key and is never transmitted anywhere.
func DeriveMasterKey(password string, salt, nonce []byte) ([]byte, error) {
	seed, err := DeriveDecryptionKey(password, salt)
	if err != nil {
		return nil, err
	}
	material := make([]byte, 0, len(salt)+len(nonce))
	material = append(material, salt...)
	material = append(material, nonce...)
	return pbkdf2.Key(seed, material, KeyIterations, KeySize, sha256.New), nil
}
