package apikey

import (
	"fmt"
	"sort"
	"strings"
)

// Scopes are action:resource permission strings. A held set covers a
// required scope when it contains the exact string, the global wildcard
// "*", or a resource wildcard whose resource matches the required
// scope's resource segment. Action-side wildcards (read:*) deliberately
// do NOT expand; changing that would change authorization outcomes for
// every issued key.

const ScopeWildcard = "*"

// ValidateScope checks scope syntax: "*", or seg:seg with segments of
// [a-z_]+, where the right segment may be "*".
func ValidateScope(s string) error {
	if s == ScopeWildcard {
		return nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %q", ErrInvalidScopes, s)
	}
	if !validSegment(parts[0]) {
		return fmt.Errorf("%w: %q", ErrInvalidScopes, s)
	}
	if parts[1] != ScopeWildcard && !validSegment(parts[1]) {
		return fmt.Errorf("%w: %q", ErrInvalidScopes, s)
	}
	return nil
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return true
}

// Covers reports whether the held set is sufficient for one required
// scope.
func Covers(held []string, required string) bool {
	reqResource := ""
	if idx := strings.Index(required, ":"); idx >= 0 {
		reqResource = required[idx+1:]
	}

	for _, h := range held {
		if h == required || h == ScopeWildcard {
			return true
		}
		// recipes:* covers read:recipes, write:recipes, ...
		if res, ok := strings.CutSuffix(h, ":"+ScopeWildcard); ok && res == reqResource {
			return true
		}
	}
	return false
}

// CoversAll is vacuously true for an empty requirement list.
func CoversAll(held []string, required []string) bool {
	for _, r := range required {
		if !Covers(held, r) {
			return false
		}
	}
	return true
}

// CoversAny is vacuously true for an empty requirement list.
func CoversAny(held []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if Covers(held, r) {
			return true
		}
	}
	return false
}

// Catalog is the immutable set of scopes this deployment knows about.
// Built once at startup and injected wherever expansion is needed.
type Catalog struct {
	scopes []string
	index  map[string]struct{}
}

func NewCatalog(scopes []string) (*Catalog, error) {
	var bad []string
	index := make(map[string]struct{}, len(scopes))
	list := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if err := ValidateScope(s); err != nil {
			bad = append(bad, s)
			continue
		}
		if _, dup := index[s]; dup {
			continue
		}
		index[s] = struct{}{}
		list = append(list, s)
	}
	if len(bad) > 0 {
		return nil, &InvalidScopesError{Scopes: bad}
	}
	sort.Strings(list)
	return &Catalog{scopes: list, index: index}, nil
}

// DefaultCatalog lists the scopes the recipe backend grants.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]string{
		"read:recipes", "write:recipes",
		"read:meals", "write:meals",
		"read:shopping_lists", "write:shopping_lists",
		"read:chefs", "write:chefs",
		"read:ingredients", "write:ingredients",
		"admin:keys",
	})
	if err != nil {
		panic(err) // static list, cannot fail
	}
	return c
}

// Known reports whether a concrete scope is in the catalog.
func (c *Catalog) Known(scope string) bool {
	_, ok := c.index[scope]
	return ok
}

// All returns a copy of the full catalog.
func (c *Catalog) All() []string {
	out := make([]string, len(c.scopes))
	copy(out, c.scopes)
	return out
}

// Expand resolves a pattern against the catalog: "*" yields everything,
// "name:*" yields every catalog scope whose resource or action segment
// equals name, and a concrete scope passes through unchanged.
func (c *Catalog) Expand(pattern string) []string {
	if pattern == ScopeWildcard {
		return c.All()
	}
	name, ok := strings.CutSuffix(pattern, ":"+ScopeWildcard)
	if !ok {
		return []string{pattern}
	}

	var out []string
	for _, s := range c.scopes {
		action, resource, found := strings.Cut(s, ":")
		if !found {
			continue
		}
		if action == name || resource == name {
			out = append(out, s)
		}
	}
	return out
}

// Scope bundles granted to session principals. Sessions come from the
// external identity provider and carry no per-key grants, so they get a
// fixed bundle by role.
var (
	StandardSessionScopes = []string{
		"read:recipes", "write:recipes",
		"read:meals", "write:meals",
		"read:shopping_lists", "write:shopping_lists",
		"read:chefs",
		"read:ingredients",
	}

	AdminSessionScopes = []string{ScopeWildcard}
)
