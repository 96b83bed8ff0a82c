package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core"
)

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

func TestAuthorization_Admin(t *testing.T) {

	auth := &Authorization{
		Name:  "admin",
		Admin: true,
	}

	if !auth.HasScope("write") {
		t.Fatal("admin not authorized")
	}
}

func TestAuthorization_Scopes(t *testing.T) {

	auth := &Authorization{
		Name:   "dashboard",
		Scopes: []string{"read"},
	}

	if !auth.HasScope("read") {
		t.Fatal("read scope not authorized")
	}
	if auth.HasScope("write") {
		t.Fatal("write scope should not be authorized")
	}

	// a token without scopes is unrestricted
	auth = &Authorization{Name: "ci"}
	if !auth.HasScope("write") {
		t.Fatal("unscoped token not authorized")
	}

	// no authorization at all
	auth = nil
	if auth.HasScope("read") {
		t.Fatal("nil authorization should not be authorized")
	}
}

func TestAuthorization_Context(t *testing.T) {
	auth := &Authorization{Name: "dashboard"}
	ctx := ContextWithAuthorization(context.Background(), auth)
	if AuthorizationFromContext(ctx) != auth {
		t.Fatal("authorization lost in context")
	}
	if AuthorizationFromContext(context.Background()) != nil {
		t.Fatal("unexpected authorization")
	}

	ctx = ContextWithIdentity(ctx, "dashboard")
	if IdentityFromContext(ctx) != "dashboard" {
		t.Fatal("identity lost in context")
	}
}

func TestAdminSession_RoundTrip(t *testing.T) {
	b := &AdminSessionBuilder{Secret: []byte("test-secret"), Issuer: "devicehub"}

	token, expiresAt, err := b.IssueToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expiresAt) < 23*time.Hour {
		t.Fatal("default TTL should be 24h")
	}

	auth, err := b.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if !auth.Admin || auth.Name != "admin" {
		t.Fatalf("unexpected authorization %+v", auth)
	}
}

func TestAdminSession_Expired(t *testing.T) {
	b := &AdminSessionBuilder{Secret: []byte("test-secret"), TTL: -time.Minute}
	token, _, err := b.IssueToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Validate(token)
	if !core.IsCode(err, core.CodeTokenExpired) {
		t.Fatalf("expected token_expired, got %v", err)
	}
}

func TestAdminSession_WrongSecret(t *testing.T) {
	b := &AdminSessionBuilder{Secret: []byte("test-secret")}
	token, _, err := b.IssueToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	other := &AdminSessionBuilder{Secret: []byte("other-secret")}
	_, err = other.Validate(token)
	if !core.IsCode(err, core.CodeInvalidToken) {
		t.Fatalf("expected invalid_token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if BearerToken(r) != "" {
		t.Fatal("no token expected")
	}
	r.Header.Set("Authorization", "Bearer abc123")
	if BearerToken(r) != "abc123" {
		t.Fatal("bearer prefix not stripped")
	}
	r.Header.Set("Authorization", "bearer abc123")
	if BearerToken(r) != "abc123" {
		t.Fatal("bearer prefix should be case-insensitive")
	}
	r.Header.Set("Authorization", "abc123")
	if BearerToken(r) != "abc123" {
		t.Fatal("bare token not accepted")
	}
}

type fakeValidator struct{}

func (fakeValidator) ValidateToken(ctx context.Context, secret string) (*Authorization, error) {
	if secret == "good" {
		return &Authorization{Name: "dashboard"}, nil
	}
	return nil, core.NewError(core.CodeInvalidToken, "token not found")
}

func TestTokenMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.Use(NewTokenMiddleware(&TokenMiddlewareBuilder{Validator: fakeValidator{}}))

	var got *Authorization
	router.Handle("/protected", Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AuthorizationFromContext(r.Context())
	})))

	// no token: 401 from Required
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// invalid token: 401 with stable code
	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer bad")
	router.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		Error core.Code `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != core.CodeInvalidToken {
		t.Fatalf("expected invalid_token, got %s", body.Error)
	}

	// valid token
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer good")
	router.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got == nil || got.Name != "dashboard" {
		t.Fatalf("authorization not in context: %+v", got)
	}
}
