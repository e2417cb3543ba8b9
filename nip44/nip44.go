// Package nip44 implements NIP-44 version 2 payload encryption: secp256k1
// ECDH conversation keys, HKDF message keys, ChaCha20 with HMAC-SHA256.
package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/tkhumush/nostrtv/nostr"
)

const (
	version          = 2
	salt             = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidMAC     = errors.New("invalid MAC")
	ErrBadVersion     = errors.New("unsupported encryption version")
)

// ConversationKey derives the shared secret between two parties: ECDH over
// secp256k1, then HKDF-extract with the protocol salt. Symmetric in the two
// keypairs.
func ConversationKey(privKeyBytes, pubKeyBytes []byte) ([]byte, error) {
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if privKey == nil {
		return nil, nostr.ErrInvalidKey
	}

	pubKey, err := nostr.ParseXOnlyPubKey(pubKeyBytes)
	if err != nil {
		return nil, err
	}

	sharedX, _ := pubKey.ToECDSA().Curve.ScalarMult(pubKey.X(), pubKey.Y(), privKey.Serialize())

	// Left-pad to 32 bytes; big.Int drops leading zeros.
	shared := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(shared[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, shared, []byte(salt)), nil
}

// messageKeys expands the conversation key and nonce into the ChaCha20 key,
// ChaCha20 nonce and HMAC key.
func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("invalid nonce length")
	}

	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	unpaddedLen := len(plaintext)
	if unpaddedLen < minPlaintextSize || unpaddedLen > maxPlaintextSize {
		return nil, errors.New("invalid plaintext length")
	}

	padded := make([]byte, 2+calcPaddedLen(unpaddedLen))
	binary.BigEndian.PutUint16(padded[0:2], uint16(unpaddedLen))
	copy(padded[2:], plaintext)
	return padded, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPayload
	}
	unpaddedLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if unpaddedLen == 0 || unpaddedLen > len(padded)-2 {
		return nil, ErrInvalidPayload
	}
	if len(padded) != 2+calcPaddedLen(unpaddedLen) {
		return nil, ErrInvalidPayload
	}
	return padded[2 : 2+unpaddedLen], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Encrypt encrypts plaintext for the given conversation key with a random
// nonce. Output layout: base64(version || nonce || ciphertext || mac).
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return EncryptWithNonce(plaintext, conversationKey, nonce)
}

// EncryptWithNonce encrypts with a caller-supplied nonce. Exposed for tests.
func EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 0, 1+32+len(ciphertext)+32)
	out = append(out, version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, mac...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a NIP-44 payload, verifying the MAC before unpadding.
func Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrBadVersion
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", ErrInvalidPayload
	}
	if data[0] != version {
		return "", ErrBadVersion
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
