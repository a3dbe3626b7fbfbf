package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentity(t *testing.T) {
	const secret = "cron-secret"

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		want       Principal
	}{
		{
			name:       "user header",
			headers:    map[string]string{UserIDHeader: "user-42"},
			wantStatus: http.StatusOK,
			want:       Principal{UserID: "user-42"},
		},
		{
			name:       "operator bearer",
			headers:    map[string]string{"Authorization": "Bearer " + secret},
			wantStatus: http.StatusOK,
			want:       Principal{Operator: true},
		},
		{
			name:       "wrong bearer is not downgraded to user",
			headers:    map[string]string{"Authorization": "Bearer nope", UserIDHeader: "user-42"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no identity",
			headers:    map[string]string{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "blank user header",
			headers:    map[string]string{UserIDHeader: "   "},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Principal
			handler := Identity(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, ok := PrincipalFromContext(r.Context())
				if !ok {
					t.Fatal("principal missing from context")
				}
				got = p
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.wantStatus)
			}
			if got != tt.want {
				t.Errorf("got principal %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPrincipal_OwnerScope(t *testing.T) {
	if (Principal{Operator: true}).OwnerScope() != nil {
		t.Error("operators must not be owner scoped")
	}
	scope := Principal{UserID: "u1"}.OwnerScope()
	if scope == nil || *scope != "u1" {
		t.Errorf("got scope %v, want u1", scope)
	}
}
