package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new hashes. Stored hashes carry their own
// parameters, so raising these never invalidates existing operator keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var b64 = base64.RawStdEncoding

// ErrMalformedHash is returned by VerifyKey when the stored hash cannot be parsed.
var ErrMalformedHash = errors.New("auth: malformed key hash")

// HashKey hashes an operator key with Argon2id. The result is the value
// for ATELIER_ADMIN_KEY_HASH, in the form
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("auth: key must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// VerifyKey reports whether key matches an encoded hash from HashKey.
// A mismatch is (false, nil); only an unparseable hash is an error.
func VerifyKey(key, encoded string) (bool, error) {
	p, err := parseHash(strings.TrimSpace(encoded))
	if err != nil {
		return false, err
	}
	sum := argon2.IDKey([]byte(key), p.salt, p.time, p.memory, p.threads, uint32(len(p.sum)))
	return subtle.ConstantTimeCompare(p.sum, sum) == 1, nil
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	sum     []byte
}

func parseHash(encoded string) (argonParams, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, sum
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argonParams{}, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argonParams{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, fmt.Errorf("%w: parameters: %v", ErrMalformedHash, err)
	}
	if p.time == 0 || p.threads == 0 {
		return argonParams{}, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}
	var err error
	if p.salt, err = b64.DecodeString(parts[4]); err != nil {
		return argonParams{}, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	if p.sum, err = b64.DecodeString(parts[5]); err != nil || len(p.sum) == 0 {
		return argonParams{}, fmt.Errorf("%w: digest", ErrMalformedHash)
	}
	return p, nil
}
