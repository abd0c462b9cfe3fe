package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-dispatcher/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(RoleAdmin, RoleViewer); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowedRole(t *testing.T) {
	if code := serveAs(RoleOperator, RoleOperator); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ViewerCannotTrigger(t *testing.T) {
	if code := serveAs(RoleViewer, RoleOperator); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := serveAs("root", "root"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	if code := serveAs("", RoleViewer); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
