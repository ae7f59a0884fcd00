// Package signature implements the device response MAC.
//
// Devices receive the challenge as lowercase hex text and sign that text, so
// the MAC input is the ASCII hex string, keyed with the raw 32-byte secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a decoded signature in bytes.
const Size = sha256.Size

// Sign returns HMAC-SHA256(secret, challengeHex) as lowercase hex.
func Sign(secret []byte, challengeHex string) string {
	return hex.EncodeToString(compute(secret, challengeHex))
}

// Verify reports whether signatureHex (any case) is the MAC of challengeHex.
// Comparison is done on decoded bytes in constant time.
func Verify(secret []byte, challengeHex, signatureHex string) bool {
	provided, err := hex.DecodeString(signatureHex)
	if err != nil || len(provided) != Size {
		return false
	}
	return hmac.Equal(compute(secret, challengeHex), provided)
}

// IsWellFormed reports whether s looks like a signature: 64 hex characters.
func IsWellFormed(s string) bool {
	if len(s) != hex.EncodedLen(Size) {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func compute(secret []byte, challengeHex string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challengeHex))
	return mac.Sum(nil)
}
