package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
)

// GenerateSalt returns a fresh 20-byte auth plugin salt, the form
// HandshakeV10 and AuthSwitchRequest both send. MySQL forbids NUL and '\'
// bytes inside the salt so naive clients that treat it as a C-string don't
// truncate it; about one 20-byte draw in seven contains one of them, so
// we redraw until a draw is clean.
func GenerateSalt() []byte {
	salt := make([]byte, 20)
	for {
		if _, err := rand.Read(salt); err != nil {
			panic("GenerateSalt: " + err.Error())
		}
		clean := true
		for _, b := range salt {
			if b == 0 || b == '\\' {
				clean = false
				break
			}
		}
		if clean {
			return salt
		}
	}
}

// ScrambleNative computes the mysql_native_password response:
// SHA1(password) XOR SHA1(salt || SHA1(SHA1(password))).
func ScrambleNative(password string, salt []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha1.Sum([]byte(password))
	pwHashHash := sha1.Sum(pwHash[:])

	h := sha1.New()
	h.Write(salt)
	h.Write(pwHashHash[:])
	saltedHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ saltedHash[i]
	}
	return out
}

// CheckNative verifies a client's mysql_native_password response against
// the stored SHA1(SHA1(password)) hash, without ever seeing the plaintext.
func CheckNative(storedHash [20]byte, salt, response []byte) bool {
	if len(response) != 20 {
		return false
	}
	h := sha1.New()
	h.Write(salt)
	h.Write(storedHash[:])
	saltedHash := h.Sum(nil)

	candidate := make([]byte, 20)
	for i := range candidate {
		candidate[i] = response[i] ^ saltedHash[i]
	}
	got := sha1.Sum(candidate)
	return got == storedHash
}

// ScrambleCachingSHA2 computes the caching_sha2_password full-auth
// response: SHA256(password) XOR SHA256(SHA256(SHA256(password)) || salt).
func ScrambleCachingSHA2(password string, salt []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha256.Sum256([]byte(password))
	pwHashHash := sha256.Sum256(pwHash[:])

	h := sha256.New()
	h.Write(pwHashHash[:])
	h.Write(salt)
	saltedHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ saltedHash[i]
	}
	return out
}

// CheckCachingSHA2 verifies a caching_sha2_password full-auth response
// against the stored SHA256(SHA256(password)) hash.
func CheckCachingSHA2(storedHash [32]byte, salt, response []byte) bool {
	if len(response) != 32 {
		return false
	}
	h := sha256.New()
	h.Write(storedHash[:])
	h.Write(salt)
	saltedHash := h.Sum(nil)

	candidate := make([]byte, 32)
	for i := range candidate {
		candidate[i] = response[i] ^ saltedHash[i]
	}
	got := sha256.Sum256(candidate)
	return got == storedHash
}
