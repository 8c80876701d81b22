package auth_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/bcrypt"

	apppkg "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	authpkg "github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

var secret = []byte("secret")

type fakeUsers struct {
	users  map[string]store.User
	hashes map[string]string
	err    error
}

func (f *fakeUsers) FindUser(ctx context.Context, id string) (store.User, error) {
	if f.err != nil {
		return store.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindCredentials(ctx context.Context, email string) (store.User, string, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, f.hashes[u.ID], nil
		}
	}
	return store.User{}, "", store.ErrNotFound
}

func newUsers() *fakeUsers {
	return &fakeUsers{users: map[string]store.User{
		"u1": {ID: "u1", Name: "Ada", Email: "ada@example.com", Role: store.RoleTechnician},
	}}
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestGateAuthenticate(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	g := &authpkg.Gate{Keyf: authpkg.HMACKeyfunc(secret), Users: newUsers()}
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp}).SignedString([]byte("other"))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing", "", authpkg.ErrUnauthenticated},
		{"garbage", "not-a-jwt", authpkg.ErrInvalidCredential},
		{"wrong key", wrongKey, authpkg.ErrInvalidCredential},
		{"expired", sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), authpkg.ErrInvalidCredential},
		{"no expiry", sign(t, jwt.MapClaims{"sub": "u1"}), authpkg.ErrInvalidCredential},
		{"no subject", sign(t, jwt.MapClaims{"exp": exp}), authpkg.ErrInvalidCredential},
		{"unknown user", sign(t, jwt.MapClaims{"sub": "ghost", "exp": exp}), authpkg.ErrUnknownUser},
		{"valid", sign(t, jwt.MapClaims{"sub": "u1", "exp": exp}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := g.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (u.ID != "u1" || u.DisplayName != "Ada") {
				t.Fatalf("unexpected user %+v", u)
			}
			if tt.wantErr != nil && authpkg.Status(err) != http.StatusUnauthorized {
				t.Fatalf("status = %d", authpkg.Status(err))
			}
		})
	}
}

func TestGateStoreFailureIsNotUnauthorized(t *testing.T) {
	g := &authpkg.Gate{Keyf: authpkg.HMACKeyfunc(secret), Users: &fakeUsers{err: errors.New("db down")}}
	_, err := g.Authenticate(context.Background(), sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Minute).Unix()}))
	if err == nil || authpkg.Status(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 class error, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := authpkg.BearerToken(r); got != "q" {
		t.Fatalf("query token: got %q", got)
	}
	r.Header.Set("Authorization", "bearer h")
	if got := authpkg.BearerToken(r); got != "h" {
		t.Fatalf("header should win: got %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/me", nil)
	r.AddCookie(&http.Cookie{Name: authpkg.CookieName, Value: "c"})
	if got := authpkg.BearerToken(r); got != "c" {
		t.Fatalf("cookie token: got %q", got)
	}
}

func TestMiddlewareAndMe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := apppkg.NewApp(apppkg.Config{Env: "test"}, nil, authpkg.HMACKeyfunc(secret), nil, nil)
	g := authpkg.NewGate(a, newUsers())
	a.R.GET("/me", authpkg.Middleware(a, g), authpkg.Me)

	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var env apppkg.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil || env.Error == nil || env.Error.Code != "unauthenticated" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	tok := sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var u authpkg.AuthUser
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil || u.Email != "ada@example.com" || u.Role != store.RoleTechnician {
		t.Fatalf("unexpected user %s", rr.Body.String())
	}
}

func TestLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := newUsers()
	users.hashes = map[string]string{"u1": string(hash)}
	a := apppkg.NewApp(apppkg.Config{Env: "test", AuthMode: "local", AuthLocalSecret: string(secret)}, nil, authpkg.HMACKeyfunc(secret), nil, nil)
	a.R.POST("/login", authpkg.Login(a, users))

	post := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		a.R.ServeHTTP(rr, req)
		return rr
	}

	if rr := post(`{"email":"ada@example.com","password":"wrong"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", rr.Code)
	}
	if rr := post(`{"email":"nobody@example.com","password":"hunter2"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email: expected 401, got %d", rr.Code)
	}
	if rr := post(`{"email":"ada@example.com"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing password: expected 400, got %d", rr.Code)
	}

	rr := post(`{"email":"ada@example.com","password":"hunter2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Token string           `json:"token"`
		User  authpkg.AuthUser `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	g := authpkg.NewGate(a, users)
	u, err := g.Authenticate(context.Background(), out.Token)
	if err != nil || u.ID != "u1" {
		t.Fatalf("issued token did not authenticate: %v", err)
	}
	if len(rr.Result().Cookies()) == 0 {
		t.Fatalf("expected auth cookie")
	}
}

func TestJWKSKeyfunc(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa generate: %v", err)
	}
	pubJWK, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	_ = pubJWK.Set("kid", "test-key")
	_ = pubJWK.Set("alg", "RS256")
	set := jwk.NewSet()
	_ = set.AddKey(pubJWK)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer ts.Close()

	keys, err := authpkg.NewJWKS(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("fetch jwks: %v", err)
	}
	g := &authpkg.Gate{Keyf: keys.Keyfunc, Users: newUsers(), Issuer: "https://issuer.example"}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://issuer.example",
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := g.Authenticate(context.Background(), signed); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	wrongIss := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"iss": "https://evil.example", "sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	wrongIss.Header["kid"] = "test-key"
	s2, _ := wrongIss.SignedString(priv)
	if _, err := g.Authenticate(context.Background(), s2); !errors.Is(err, authpkg.ErrInvalidCredential) {
		t.Fatalf("expected issuer mismatch to be rejected, got %v", err)
	}

	hs := sign(t, jwt.MapClaims{"iss": "https://issuer.example", "sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := g.Authenticate(context.Background(), hs); !errors.Is(err, authpkg.ErrInvalidCredential) {
		t.Fatalf("expected HMAC token to be rejected by jwks keyfunc, got %v", err)
	}
}
