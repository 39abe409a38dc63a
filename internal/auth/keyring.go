package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/hatchery/internal/model"
)

// ErrInvalidCredentials is returned for an unknown subject or a wrong key.
// Both cases return the same error.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// APIKey is a configured credential exchangeable for a token pair.
type APIKey struct {
	Subject string
	Key     string
	Scopes  []model.Scope
}

// keyHash is the Argon2id cost of one keyring lookup. Keys live only in
// memory for the life of the process, so the salt and digest are kept as raw
// bytes rather than an encoded string.
type keyHash struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	size    uint32
}

var defaultKeyHash = keyHash{time: 1, memory: 64 * 1024, threads: 4, size: 32}

// unknownSubjectSalt stands in for a real salt when the subject does not exist.
var unknownSubjectSalt = make([]byte, 16)

func (h keyHash) sum(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, h.time, h.memory, h.threads, h.size)
}

func (h keyHash) seal(key string) (keyEntry, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return keyEntry{}, fmt.Errorf("auth: generate salt: %w", err)
	}
	return keyEntry{salt: salt, digest: h.sum(key, salt)}, nil
}

// DummyVerify spends the same Argon2id work as a real key check. Call it on
// rejection paths that never reached a keyring entry, so timing does not
// reveal which subjects exist.
func DummyVerify() {
	defaultKeyHash.sum("", unknownSubjectSalt)
}

type keyEntry struct {
	salt   []byte
	digest []byte
	scopes []model.Scope
}

// Keyring holds salted Argon2id digests of the configured API keys.
// Plaintext keys are discarded after hashing.
type Keyring struct {
	hash    keyHash
	entries map[string]keyEntry
}

// NewKeyring hashes every key. Subjects must be unique.
func NewKeyring(keys []APIKey) (*Keyring, error) {
	r := &Keyring{hash: defaultKeyHash, entries: make(map[string]keyEntry, len(keys))}
	for _, k := range keys {
		if k.Subject == "" || k.Key == "" {
			return nil, fmt.Errorf("auth: api key entry missing subject or key")
		}
		if _, dup := r.entries[k.Subject]; dup {
			return nil, fmt.Errorf("auth: duplicate api key subject %q", k.Subject)
		}
		for _, s := range k.Scopes {
			if !s.Valid() {
				return nil, fmt.Errorf("auth: unknown scope %q for %q", s, k.Subject)
			}
		}
		entry, err := r.hash.seal(k.Key)
		if err != nil {
			return nil, err
		}
		entry.scopes = k.Scopes
		r.entries[k.Subject] = entry
	}
	return r, nil
}

// Authenticate verifies key for subject and returns the subject's scopes.
func (r *Keyring) Authenticate(subject, key string) ([]model.Scope, error) {
	entry, ok := r.entries[subject]
	if !ok {
		r.hash.sum(key, unknownSubjectSalt)
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(entry.digest, r.hash.sum(key, entry.salt)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return entry.scopes, nil
}

// Len returns the number of configured keys.
func (r *Keyring) Len() int { return len(r.entries) }

// ParseAPIKeys parses "subject:key:scope|scope,subject:key:scope" as used by
// HATCHERY_API_KEYS. An entry without scopes gets trials:read and trials:write.
func ParseAPIKeys(s string) ([]APIKey, error) {
	var out []APIKey
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("auth: malformed api key entry %q (want subject:key[:scopes])", redact(raw))
		}
		k := APIKey{Subject: parts[0], Key: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			for _, sc := range strings.Split(parts[2], "|") {
				k.Scopes = append(k.Scopes, model.Scope(strings.TrimSpace(sc)))
			}
		} else {
			k.Scopes = []model.Scope{model.ScopeTrialsRead, model.ScopeTrialsWrite}
		}
		out = append(out, k)
	}
	return out, nil
}

func redact(entry string) string {
	subject, _, _ := strings.Cut(entry, ":")
	return subject + ":***"
}
