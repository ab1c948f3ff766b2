package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pub)
}

func signToken(t *testing.T, key any, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParsePublicKey(t *testing.T) {
	priv, pkix := testKeys(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}))

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"pkix", pkix, false},
		{"pkcs1", pkcs1, false},
		{"not pem", "invalid-pem", true},
		{"garbage block", "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePublicKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	priv, pub := testKeys(t)
	otherPriv, _ := testKeys(t)
	v, err := NewVerifier(pub, "harbor-relay", "operators")
	if err != nil {
		t.Fatal(err)
	}

	valid := jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		Issuer:    "harbor-relay",
		Audience:  jwt.ClaimStrings{"operators"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	with := func(mut func(c *jwt.RegisteredClaims)) jwt.RegisteredClaims {
		c := valid
		mut(&c)
		return c
	}

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{"valid", signToken(t, priv, jwt.SigningMethodRS256, valid), "ops@example.com", false},
		{"wrong key", signToken(t, otherPriv, jwt.SigningMethodRS256, valid), "", true},
		{"hmac algorithm", signToken(t, []byte("secret"), jwt.SigningMethodHS256, valid), "", true},
		{"expired", signToken(t, priv, jwt.SigningMethodRS256, with(func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})), "", true},
		{"no expiry", signToken(t, priv, jwt.SigningMethodRS256, with(func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = nil
		})), "", true},
		{"wrong issuer", signToken(t, priv, jwt.SigningMethodRS256, with(func(c *jwt.RegisteredClaims) {
			c.Issuer = "someone-else"
		})), "", true},
		{"wrong audience", signToken(t, priv, jwt.SigningMethodRS256, with(func(c *jwt.RegisteredClaims) {
			c.Audience = jwt.ClaimStrings{"tenants"}
		})), "", true},
		{"missing subject", signToken(t, priv, jwt.SigningMethodRS256, with(func(c *jwt.RegisteredClaims) {
			c.Subject = ""
		})), "", true},
		{"malformed", "not.a.token", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := v.Verify(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if sub != tt.wantSub {
				t.Errorf("Verify() subject = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	priv, pub := testKeys(t)
	v, err := NewVerifier(pub, "", "")
	if err != nil {
		t.Fatal(err)
	}
	token := signToken(t, priv, jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	var gotSubject string
	h := Guard(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid bearer", "Bearer " + token, http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/delivery/d-1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if !strings.Contains(rec.Body.String(), `"error"`) {
					t.Errorf("body = %s, want JSON error", rec.Body.String())
				}
				return
			}
			if gotSubject != "ops" {
				t.Errorf("subject = %q, want ops", gotSubject)
			}
		})
	}
}

func TestGuardNilVerifier(t *testing.T) {
	called := false
	h := Guard(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("Guard(nil) should pass requests through")
	}
}
