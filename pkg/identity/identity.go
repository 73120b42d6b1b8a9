// Package identity implements the registry's verifier capability: bearer
// token to user identity resolution, registered-server bookkeeping, and
// Ed25519 signature verification for the owned home-agent auth path.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SignatureFreshnessWindow bounds how far a signed auth timestamp may
// drift from the verifier's clock, in either direction.
const SignatureFreshnessWindow = 5 * time.Minute

// Server is a home agent registered under a user's identity.
type Server struct {
	ID           string
	Name         string
	PublicKey    string // hex-encoded Ed25519 public key
	RegisteredAt time.Time
	LastSeen     *time.Time
}

// ErrServerNotFound is returned by operations on an unregistered server.
var ErrServerNotFound = errors.New("identity: server not found")

// Verifier resolves bearer tokens to user identities and manages the
// registered-server list the relay's registry and HTTP surface consult.
type Verifier interface {
	// Verify returns the user id and their registered servers for a
	// bearer token, or ("", nil, nil) if the token does not resolve
	// (a "null result", not an error).
	Verify(ctx context.Context, token string) (userID string, servers []Server, err error)

	RegisterServer(ctx context.Context, userID, name, publicKey string) (Server, error)
	UpdateLastSeen(ctx context.Context, userID, serverID string) error
	RemoveServer(ctx context.Context, userID, serverID string) (bool, error)

	// VerifySignature checks an Ed25519 signature over "serverId:timestamp"
	// produced with the private half of publicKey, within
	// SignatureFreshnessWindow of now.
	VerifySignature(serverID string, timestamp int64, signature string, publicKey string) bool
}

// MemoryVerifier is an in-process Verifier backed by a static token→user
// map, suitable for development and for a relay fronted by a separate
// identity service that the deployer swaps in via a different Verifier
// implementation.
type MemoryVerifier struct {
	mu      sync.RWMutex
	tokens  map[string]string // bearer token -> user id
	servers map[string][]Server
}

// NewMemoryVerifier builds a verifier seeded with a fixed token→user map.
func NewMemoryVerifier(tokens map[string]string) *MemoryVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &MemoryVerifier{
		tokens:  cp,
		servers: make(map[string][]Server),
	}
}

func (v *MemoryVerifier) Verify(ctx context.Context, token string) (string, []Server, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	userID, ok := v.tokens[token]
	if !ok {
		return "", nil, nil
	}
	servers := append([]Server(nil), v.servers[userID]...)
	return userID, servers, nil
}

func (v *MemoryVerifier) RegisterServer(ctx context.Context, userID, name, publicKey string) (Server, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, s := range v.servers[userID] {
		if s.Name == name && s.PublicKey == publicKey {
			return s, nil
		}
	}

	srv := Server{
		ID:           fmt.Sprintf("srv-%s-%d", userID, len(v.servers[userID])+1),
		Name:         name,
		PublicKey:    publicKey,
		RegisteredAt: time.Now(),
	}
	v.servers[userID] = append(v.servers[userID], srv)
	return srv, nil
}

func (v *MemoryVerifier) UpdateLastSeen(ctx context.Context, userID, serverID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := v.servers[userID]
	for i := range list {
		if list[i].ID == serverID {
			now := time.Now()
			list[i].LastSeen = &now
			return nil
		}
	}
	return ErrServerNotFound
}

func (v *MemoryVerifier) RemoveServer(ctx context.Context, userID, serverID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	list := v.servers[userID]
	for i, s := range list {
		if s.ID == serverID {
			v.servers[userID] = append(list[:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (v *MemoryVerifier) VerifySignature(serverID string, timestamp int64, signature string, publicKeyHex string) bool {
	return verifyEd25519(serverID, timestamp, signature, publicKeyHex, time.Now())
}

func verifyEd25519(serverID string, timestamp int64, signatureHex, publicKeyHex string, now time.Time) bool {
	drift := math.Abs(now.Sub(time.Unix(timestamp, 0)).Seconds())
	if drift > SignatureFreshnessWindow.Seconds() {
		return false
	}

	pubKey, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	message := []byte(serverID + ":" + strconv.FormatInt(timestamp, 10))
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig)
}

// Sign produces the hex-encoded Ed25519 signature a home agent sends in an
// `auth` message, for use by the tunnel client and by tests.
func Sign(priv ed25519.PrivateKey, serverID string, timestamp int64) string {
	message := []byte(serverID + ":" + strconv.FormatInt(timestamp, 10))
	sig := ed25519.Sign(priv, message)
	return hex.EncodeToString(sig)
}
