package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCSRFMiddleware_Methods(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
	}{
		{"GETはトークン不要", http.MethodGet, "", "", http.StatusOK},
		{"HEADはトークン不要", http.MethodHead, "", "", http.StatusOK},
		{"OPTIONSはトークン不要", http.MethodOptions, "", "", http.StatusOK},
		{"POSTでCookieなし", http.MethodPost, "", "tok", http.StatusForbidden},
		{"POSTでヘッダーなし", http.MethodPost, "tok", "", http.StatusForbidden},
		{"POSTで不一致", http.MethodPost, "tok", "other", http.StatusForbidden},
		{"POSTで一致", http.MethodPost, "tok", "tok", http.StatusOK},
		{"PUTで一致", http.MethodPut, "tok", "tok", http.StatusOK},
		{"PATCHでトークンなし", http.MethodPatch, "", "", http.StatusForbidden},
		{"DELETEでトークンなし", http.MethodDelete, "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/posts", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.wantStatus == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if body.Code != "CSRF_INVALID" {
					t.Errorf("code = %q, want CSRF_INVALID", body.Code)
				}
			}
		})
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{CookieSecure: true, CookieDomain: "example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	c := findCookie(w.Result(), csrfCookieName)
	if c == nil {
		t.Fatal("csrf_token cookie should be set")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(c.Value))
	}
	if c.HttpOnly {
		t.Error("csrf_token cookie must be readable from JavaScript")
	}
	if !c.Secure || c.Domain != "example.com" || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes = %+v", c)
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("existing csrf_token cookie should not be replaced")
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	tests := []struct {
		name      string
		existing  string
		wantSame  bool
		wantSetCk bool
	}{
		{"新規発行", "", false, true},
		{"既存トークンを返す", "existing-token", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
			if tt.existing != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.existing})
			}
			w := httptest.NewRecorder()
			NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body["token"] == "" {
				t.Fatal("token should not be empty")
			}
			if tt.wantSame && body["token"] != tt.existing {
				t.Errorf("token = %q, want %q", body["token"], tt.existing)
			}
			c := findCookie(w.Result(), csrfCookieName)
			if (c != nil) != tt.wantSetCk {
				t.Errorf("cookie set = %v, want %v", c != nil, tt.wantSetCk)
			}
			if c != nil && c.Value != body["token"] {
				t.Errorf("cookie = %q, body = %q", c.Value, body["token"])
			}
		})
	}
}
