package relay

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// authenticator checks hidden host bearer tokens against bcrypt hashes.
type authenticator struct {
	hashes [][]byte

	// verified caches digests of tokens that already matched a hash.
	verified sync.Map
}

func newAuthenticator(hashes []string) *authenticator {
	if len(hashes) == 0 {
		return nil
	}
	a := &authenticator{}
	for _, h := range hashes {
		a.hashes = append(a.hashes, []byte(h))
	}
	return a
}

// allow reports whether r carries an accepted token. A nil authenticator
// accepts everything.
func (a *authenticator) allow(r *http.Request) bool {
	if a == nil {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}

	digest := sha256.Sum256([]byte(token))
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			a.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// HashToken returns the bcrypt hash to put in relay.auth.token_hashes.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
