package sharelink

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// URL fragment markers. The legacy marker is still recognized on decode for
// links produced by older builds.
const (
	FragmentPrefix       = "#gpt="
	LegacyFragmentPrefix = "#shared="
)

// CreateLink encrypts the payload under the password and assembles the
// shareable URL: baseURL + "#gpt=" + base64url(salt || nonce || ciphertext).
// Salt and nonce are freshly random on every call, so encrypting the same
// payload twice yields two different links. The function has no side
// effects; it never touches storage.
func CreateLink(p *SharePayload, password, baseURL string) (string, error) {
	if p == nil || p.IsEmpty() {
		return "", ErrEmptyPayload
	}
	if password == "" {
		return "", ErrInvalidPassword
	}

	plaintext, err := Encode(p)
	if err != nil {
		return "", err
	}

	salt := make([]byte, SaltSize)
	if _, err = rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	key, err := DeriveDecryptionKey(password, salt)
	if err != nil {
		return "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, SaltSize+NonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return baseURL + FragmentPrefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// ExtractLink pulls the encrypted fragment data out of a URL. It is a pure
// parse with no decryption; ok is false when the URL carries neither the
// current nor the legacy fragment marker.
func ExtractLink(rawURL string) (data string, ok bool) {
	for _, prefix := range []string{FragmentPrefix, LegacyFragmentPrefix} {
		if idx := strings.Index(rawURL, prefix); idx >= 0 {
			return rawURL[idx+len(prefix):], true
		}
	}
	return "", false
}

// DecryptLink decrypts fragment data previously produced by CreateLink (or
// extracted by ExtractLink). The authenticated cipher verifies integrity
// before a single byte of plaintext is released: any bit flip, truncation,
// or wrong password fails with DecryptionAuthenticationError instead of
// producing garbage. Payload decoding runs only after that check passes.
func DecryptLink(fragment, password string) (*SharePayload, error) {
	if password == "" {
		return nil, ErrInvalidPassword
	}

	blob, err := decodeBase64(fragment)
	if err != nil {
		return nil, &PayloadFormatError{Reason: "link data is not valid base64", Cause: err}
	}
	if len(blob) < SaltSize+NonceSize+1 {
		return nil, &PayloadFormatError{Reason: "link data is too short"}
	}

	salt := blob[:SaltSize]
	nonce := blob[SaltSize : SaltSize+NonceSize]
	ciphertext := blob[SaltSize+NonceSize:]

	key, err := DeriveDecryptionKey(password, salt)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionAuthenticationError{Cause: err}
	}

	return Decode(string(plaintext))
}

// newAEAD builds the AES-256-GCM cipher with the protocol's 10-byte nonce.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// decodeBase64 accepts both url-safe and standard alphabets, with or without
// padding. Links travel through chats and mail clients that like to mangle
// them, so decode is forgiving about the exact variant.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "+/") {
		s = strings.Map(func(r rune) rune {
			switch r {
			case '+':
				return '-'
			case '/':
				return '_'
			}
			return r
		}, s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
