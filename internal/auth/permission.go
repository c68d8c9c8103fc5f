package auth

import "strings"

// Member is the identity-provider independent view of a community member.
type Member struct {
	UserID      string
	DisplayName string
	RoleIDs     []string
}

// Checker answers whether a member may take part in trading. It holds the
// capability set (trader role IDs) resolved once at startup and is safe for
// concurrent use because it is never mutated after construction.
type Checker struct {
	capabilities map[string]struct{}
}

func NewChecker(capabilities ...string) *Checker {
	c := &Checker{capabilities: make(map[string]struct{}, len(capabilities))}
	for _, id := range capabilities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		c.capabilities[id] = struct{}{}
	}
	return c
}

func (c *Checker) CanTrade(m Member) bool {
	if c == nil || len(c.capabilities) == 0 {
		return false
	}
	for _, id := range m.RoleIDs {
		if _, ok := c.capabilities[id]; ok {
			return true
		}
	}
	return false
}

func (c *Checker) Capabilities() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.capabilities))
	for id := range c.capabilities {
		out = append(out, id)
	}
	return out
}

// Role is a named role as reported by the chat platform.
type Role struct {
	ID   string
	Name string
}

// ResolveRoleIDs maps configured role names onto the IDs of a guild's roles.
// Matching is case-insensitive; names without a matching role are returned
// separately so the caller can log them.
func ResolveRoleIDs(names []string, roles []Role) (ids []string, missing []string) {
	byName := make(map[string][]string, len(roles))
	for _, r := range roles {
		key := strings.ToLower(strings.TrimSpace(r.Name))
		byName[key] = append(byName[key], r.ID)
	}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		found, ok := byName[key]
		if !ok {
			missing = append(missing, name)
			continue
		}
		ids = append(ids, found...)
	}
	return ids, missing
}
