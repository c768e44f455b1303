// ABOUTME: Tests for agent credential verification and client session tokens.
// ABOUTME: Uses a fake credential store; bcrypt hashes are generated inline.

package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/timmy-time/catalyst/internal/store"
)

type fakeCredentialStore struct {
	nodes map[string]*store.Node
	keys  map[string]*store.APIKey

	keyLookups int
}

func (f *fakeCredentialStore) GetNode(_ context.Context, id string) (*store.Node, error) {
	node, ok := f.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return node, nil
}

func (f *fakeCredentialStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (*store.APIKey, error) {
	f.keyLookups++
	key, ok := f.keys[prefix]
	if !ok {
		return nil, store.ErrNotFound
	}
	return key, nil
}

func newTestAuthenticator(creds *fakeCredentialStore) *AgentAuthenticator {
	return NewAgentAuthenticator(creds, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthenticateSharedSecret(t *testing.T) {
	creds := &fakeCredentialStore{
		nodes: map[string]*store.Node{
			"node-1": {ID: "node-1", Secret: "correct-secret"},
		},
	}
	a := newTestAuthenticator(creds)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "node-1", "correct-secret"))
	require.ErrorIs(t, a.Authenticate(ctx, "node-1", "wrong-secret"), ErrBadCredentials)
	require.ErrorIs(t, a.Authenticate(ctx, "node-2", "correct-secret"), ErrBadCredentials)
	require.ErrorIs(t, a.Authenticate(ctx, "node-1", ""), ErrBadCredentials)
	require.ErrorIs(t, a.Authenticate(ctx, "", "correct-secret"), ErrBadCredentials)
}

func TestAuthenticateAPIKey(t *testing.T) {
	token := "ck_ab12.supersecretpart"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)

	creds := &fakeCredentialStore{
		nodes: map[string]*store.Node{
			"node-1": {ID: "node-1", Secret: "shared"},
			"node-2": {ID: "node-2", Secret: "other"},
		},
		keys: map[string]*store.APIKey{
			"ck_ab12": {ID: "k1", Prefix: "ck_ab12", Hash: string(hash), NodeID: "node-1"},
		},
	}
	a := newTestAuthenticator(creds)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "node-1", token))

	// Key bound to node-1 must not authenticate node-2.
	require.ErrorIs(t, a.Authenticate(ctx, "node-2", token), ErrNodeMismatch)

	require.ErrorIs(t, a.Authenticate(ctx, "node-1", "ck_ab12.wrongsecret"), ErrBadCredentials)
	require.ErrorIs(t, a.Authenticate(ctx, "node-1", "ck_none.whatever"), ErrBadCredentials)
}

func TestAuthenticateAPIKeyCachesSuccess(t *testing.T) {
	token := "ck_ab12.supersecretpart"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)

	creds := &fakeCredentialStore{
		nodes: map[string]*store.Node{
			"node-1": {ID: "node-1", Secret: "shared"},
		},
		keys: map[string]*store.APIKey{
			"ck_ab12": {ID: "k1", Prefix: "ck_ab12", Hash: string(hash), NodeID: "node-1"},
		},
	}
	a := newTestAuthenticator(creds)
	ctx := context.Background()

	require.NoError(t, a.Authenticate(ctx, "node-1", token))
	require.NoError(t, a.Authenticate(ctx, "node-1", token))
	require.NoError(t, a.Authenticate(ctx, "node-1", token))
	require.Equal(t, 1, creds.keyLookups, "repeated connects should hit the cache")
}

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("user-42", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-42", userID)
}

func TestJWTVerifierExpired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifierWrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("different-secret"))

	token, err := other.Generate("user-42", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierGarbage(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	_, err := v.Verify("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsForeignIssuer(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	// Correctly signed, but minted by something other than this gateway.
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "some-other-service",
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsUnsignedAlg(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "catalyst-gateway",
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
