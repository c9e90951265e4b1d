package http

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var captured string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	})
	handler := RequestIDMiddleware(testLogger())(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Error("no request ID generated")
	}
	if got := rec.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("response header = %q, want %q", got, captured)
	}
}

func TestRequestIDMiddlewarePassthrough(t *testing.T) {
	var captured string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	})
	handler := RequestIDMiddleware(testLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "upstream-123" {
		t.Errorf("request ID = %q, want the upstream one", captured)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if LoggerFromContext(req.Context()) == nil {
		t.Error("LoggerFromContext returned nil without middleware")
	}
}

func TestIdentityMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		roles      string
		wantStatus int
		wantRoles  []string
	}{
		{name: "id only", id: "user-1", wantStatus: http.StatusOK},
		{name: "with roles", id: "user-1", roles: "developer,reviewer", wantStatus: http.StatusOK, wantRoles: []string{"developer", "reviewer"}},
		{name: "roles with spaces", id: "user-1", roles: " developer , reviewer ,", wantStatus: http.StatusOK, wantRoles: []string{"developer", "reviewer"}},
		{name: "missing id", wantStatus: http.StatusUnauthorized},
		{name: "blank id", id: "   ", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRoles []string
			var reached bool
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				if p, ok := PrincipalFromContext(r.Context()); ok {
					gotRoles = p.Roles
				}
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.id != "" {
				req.Header.Set(HeaderPrincipalID, tt.id)
			}
			if tt.roles != "" {
				req.Header.Set(HeaderPrincipalRoles, tt.roles)
			}
			rec := httptest.NewRecorder()
			IdentityMiddleware(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if reached {
					t.Error("handler reached without a principal")
				}
				return
			}
			if tt.wantRoles != nil && !reflect.DeepEqual(gotRoles, tt.wantRoles) {
				t.Errorf("roles = %v, want %v", gotRoles, tt.wantRoles)
			}
		})
	}
}

func TestPrincipalFromContextAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := PrincipalFromContext(req.Context()); ok {
		t.Error("PrincipalFromContext reported a principal on a bare context")
	}
}
