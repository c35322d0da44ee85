package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"kb-chat/internal/domain"
)

const (
	identityKey    = "identity"
	ssoCookieName  = "sso_token"
	adminPathRoot  = "/admin"
	bearerPrefix   = "Bearer "
	defaultRole    = "user"
	headerCorpID   = "X-Corp-Id"
	headerEmployee = "X-Employee-Id"
	headerUserName = "X-User-Name"
	headerDept     = "X-Department"
	headerRole     = "X-Role"
)

// IdentityOptions configures how caller identity is derived from a request.
type IdentityOptions struct {
	// JWTSecret enables HS256 SSO tokens. Empty means headers only.
	JWTSecret string
	// AdminPathTrusted elevates every request under /admin to the admin role.
	// The gateway in front of the service guards that path.
	AdminPathTrusted bool
}

type ssoClaims struct {
	CorpID     string `json:"corp_id"`
	EmployeeID string `json:"employee_id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("handler: invalid sso token")

func (o IdentityOptions) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := o.resolve(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
				Error:     "UNAUTHORIZED",
				Message:   "The sign-in token is invalid or expired.",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Path:      c.Request.URL.Path,
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (o IdentityOptions) resolve(r *http.Request) (domain.Identity, error) {
	id := domain.Identity{
		CorpID:     strings.TrimSpace(r.Header.Get(headerCorpID)),
		EmployeeID: strings.TrimSpace(r.Header.Get(headerEmployee)),
		Name:       strings.TrimSpace(r.Header.Get(headerUserName)),
		Department: strings.TrimSpace(r.Header.Get(headerDept)),
		Role:       strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole))),
	}

	if o.JWTSecret != "" {
		if raw := tokenFrom(r); raw != "" {
			claims, err := o.parse(raw)
			if err != nil {
				return domain.Identity{}, err
			}
			id = overlay(id, claims)
		}
	}

	if id.Role == "" {
		id.Role = defaultRole
	}
	if o.AdminPathTrusted && isAdminPath(r.URL.Path) {
		id.Role = domain.RoleAdmin
	}
	return id, nil
}

func (o IdentityOptions) parse(raw string) (*ssoClaims, error) {
	claims := &ssoClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(o.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return claims, nil
}

func tokenFrom(r *http.Request) string {
	if ck, err := r.Cookie(ssoCookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
	}
	return ""
}

// overlay lets non-empty token claims replace header values.
func overlay(id domain.Identity, c *ssoClaims) domain.Identity {
	employee := c.EmployeeID
	if employee == "" {
		employee = c.Subject
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&id.CorpID, c.CorpID)
	set(&id.EmployeeID, employee)
	set(&id.Name, c.Name)
	set(&id.Department, c.Department)
	set(&id.Role, strings.ToLower(c.Role))
	return id
}

func isAdminPath(p string) bool {
	return p == adminPathRoot || strings.HasPrefix(p, adminPathRoot+"/")
}

func identityFrom(c *gin.Context) domain.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(domain.Identity); ok {
			return id
		}
	}
	return domain.Identity{}
}
