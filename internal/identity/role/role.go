// Package role provides role records and permission resolution.
package role

import (
	"sort"
	"strings"
)

// Role is a named grant of permission tokens.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []string
}

// ParsePermissions splits a serialized permission set into its tokens,
// trimming whitespace and dropping duplicates and empties.
func ParsePermissions(serialized string) []string {
	if strings.TrimSpace(serialized) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var permissions []string
	for _, token := range strings.Split(serialized, ",") {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		permissions = append(permissions, token)
	}
	return permissions
}

// JoinPermissions serializes a permission set for storage.
func JoinPermissions(permissions []string) string {
	return strings.Join(permissions, ",")
}

// EffectivePermissions returns the sorted set union of permissions across the
// given roles. A role's permission set is authoritative only in aggregate; the
// union is the user's effective set.
func EffectivePermissions(roles []Role) []string {
	seen := make(map[string]bool)
	var union []string
	for _, r := range roles {
		for _, p := range r.Permissions {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			union = append(union, p)
		}
	}
	sort.Strings(union)
	return union
}
