package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newRequestIDRouter echoes the context's request id back in X-Context-Request-ID.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", c.GetString(RequestIDKey))
		c.Status(http.StatusOK)
	})
	return r
}

func requestWithID(r http.Handler, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequestIDMiddleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware_GeneratesUUIDWhenAbsent(t *testing.T) {
	w := requestWithID(newRequestIDRouter(), "")

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", id, err)
	}
	if ctxID := w.Header().Get("X-Context-Request-ID"); ctxID != id {
		t.Errorf("context id %q does not match response id %q", ctxID, id)
	}
}

func TestRequestIDMiddleware_InboundIDs(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		reused  bool
	}{
		{"cli id", "carp-cli:3f9a.01", true},
		{"equals sign", "Root=1-67891233-abcdef0123", false},
		{"newline injection", "abc\nlevel=ERROR msg=forged", false},
		{"spaces", "two words", false},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
		{"max length", strings.Repeat("a", maxRequestIDLength), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := requestWithID(newRequestIDRouter(), tt.inbound).Header().Get(RequestIDHeader)
			if tt.reused && got != tt.inbound {
				t.Errorf("id = %q, want inbound %q reused", got, tt.inbound)
			}
			if !tt.reused {
				if got == tt.inbound {
					t.Errorf("malformed inbound id %q was reused", tt.inbound)
				}
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("replacement id %q is not a UUID", got)
				}
			}
		})
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()

	ids := make(map[string]struct{}, 10)
	for i := range 10 {
		id := requestWithID(r, "").Header().Get(RequestIDHeader)
		if _, seen := ids[id]; seen {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		ids[id] = struct{}{}
	}
}
