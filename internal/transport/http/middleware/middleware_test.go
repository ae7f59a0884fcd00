package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwconfirm/internal/model"
)

const testJWTSecret = "middleware-test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.RegisteredClaims, key interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestParseToken(t *testing.T) {
	valid := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "U1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, []byte(testJWTSecret))

	expired := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "U1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}, []byte(testJWTSecret))

	noSubject := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{}, []byte(testJWTSecret))

	wrongAlg := signToken(t, jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "U1"}, []byte(testJWTSecret))

	wrongKey := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "U1"}, []byte("other"))

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr error
	}{
		{"valid", valid, "U1", nil},
		{"empty", "", "", ErrMissingToken},
		{"expired", expired, "", ErrTokenExpired},
		{"no subject", noSubject, "", ErrInvalidToken},
		{"wrong algorithm", wrongAlg, "", ErrInvalidToken},
		{"wrong key", wrongKey, "", ErrInvalidToken},
		{"garbage", "not.a.jwt", "", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := ParseToken(tt.token, testJWTSecret)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, userID)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r))

	r.Header.Set("Authorization", "bearer  from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r), "header wins over cookie")

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "from-cookie", TokenFromRequest(r), "non-bearer schemes are ignored")
}

func TestAuthMiddleware_ExpiredTokenCode(t *testing.T) {
	expired := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "U1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}, []byte(testJWTSecret))

	h := AuthMiddleware(testJWTSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+expired)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), model.CodeTokenExpired)
}

func TestRateLimiter_PerUserBuckets(t *testing.T) {
	l := NewRateLimiter(1, 2)
	defer l.Stop()

	assert.True(t, l.Allow("U1"))
	assert.True(t, l.Allow("U1"))
	assert.False(t, l.Allow("U1"), "burst exhausted")
	assert.True(t, l.Allow("U2"), "other users have their own bucket")
}

func TestRateLimiter_CleanupDropsIdleUsers(t *testing.T) {
	l := NewRateLimiter(1, 1)
	defer l.Stop()

	l.Allow("U1")
	assert.False(t, l.Allow("U1"))

	l.cleanup(time.Now().Add(limiterMaxIdle + time.Second))

	l.mu.Lock()
	assert.Empty(t, l.limiters)
	l.mu.Unlock()
	assert.True(t, l.Allow("U1"), "an idle user starts with a fresh bucket")
}

func TestRateLimiter_MiddlewareRequiresUser(t *testing.T) {
	l := NewRateLimiter(60, 1)
	defer l.Stop()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
