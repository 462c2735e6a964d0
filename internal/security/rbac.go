package security

import (
	"fmt"
	"net/http"
	"strings"
)

// Roles
const (
	RoleOwner    = "owner"
	RoleAgent    = "agent"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOwner, RoleAgent, RoleReadonly}

// IsValidRole reports whether role is one of ValidRoles.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method ("GET", "POST", "*" for any)
	Pattern string // path prefix or exact match, {x} matches one segment
	Roles   []string
}

// Authorizer decides whether a role may call an API route. The first
// matching rule decides; owner is always allowed.
type Authorizer struct {
	rules []routePermission
}

// NewAuthorizer builds the permission table. Redeeming confirmation tokens
// is reserved for the owner unless agentMayConfirm is set, so an agent that
// requested a destructive action cannot also approve it.
func NewAuthorizer(agentMayConfirm bool) *Authorizer {
	confirmRoles := []string{RoleOwner}
	if agentMayConfirm {
		confirmRoles = append(confirmRoles, RoleAgent)
	}
	return &Authorizer{rules: []routePermission{
		{Method: "POST", Pattern: "/api/confirm/{token}", Roles: confirmRoles},
		// confirm_action through the generic tool route redeems tokens too
		{Method: "POST", Pattern: "/api/tools/confirm_action", Roles: confirmRoles},
		{Method: "POST", Pattern: "/api/tools/{name}", Roles: []string{RoleOwner, RoleAgent}},
		// All GET endpoints are available to readonly
		{Method: "GET", Pattern: "/api/", Roles: []string{RoleOwner, RoleAgent, RoleReadonly}},
		{Method: "GET", Pattern: "/metrics", Roles: []string{RoleOwner, RoleAgent, RoleReadonly}},
		// All other methods on /api/ require owner
		{Method: "*", Pattern: "/api/", Roles: []string{RoleOwner}},
	}}
}

// CheckPermission checks if the given role is allowed to access method+path.
func (a *Authorizer) CheckPermission(role, method, path string) bool {
	if role == RoleOwner {
		return true
	}

	// Normalize path: strip trailing slash for matching
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	for _, perm := range a.rules {
		if !matchRoute(perm.Pattern, path) || (perm.Method != "*" && perm.Method != method) {
			continue
		}
		for _, r := range perm.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	return false
}

// Middleware enforces the permission table using the claims placed in the
// context by AuthMiddleware. Requests without claims (dev mode) pass.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !a.CheckPermission(claims.Role, r.Method, r.URL.Path) {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that checks the JWT role against allowed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				// No claims means dev mode (no secret set); allow through
				next.ServeHTTP(w, r)
				return
			}
			if !roleSet[claims.Role] {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matchRoute checks if a path matches a route pattern (prefix-based with {x} wildcards).
func matchRoute(pattern, path string) bool {
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) {
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
