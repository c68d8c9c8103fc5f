package discord

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"strandmarkt/internal/auth"
)

// RoleGate holds the trader check. Roles are configured by name and resolved
// to IDs whenever a guild's role list arrives from the gateway.
type RoleGate struct {
	names   []string
	log     *slog.Logger
	mu      sync.Mutex
	byGuild map[string][]string
	checker atomic.Pointer[auth.Checker]
}

func NewRoleGate(names []string, logger *slog.Logger) *RoleGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &RoleGate{
		names:   names,
		log:     logger.With("component", "roles"),
		byGuild: map[string][]string{},
	}
	g.checker.Store(auth.NewChecker())
	return g
}

// Update replaces the resolved role IDs of one guild.
func (g *RoleGate) Update(guildID string, roles []auth.Role) {
	ids, missing := auth.ResolveRoleIDs(g.names, roles)
	if len(missing) > 0 {
		g.log.Warn("trader roles not found", "guild", guildID, "missing", missing)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.byGuild[guildID] = ids
	var all []string
	for _, list := range g.byGuild {
		all = append(all, list...)
	}
	sort.Strings(all)
	g.checker.Store(auth.NewChecker(all...))
	g.log.Info("trader roles resolved", "guild", guildID, "roles", len(ids))
}

func (g *RoleGate) CanTrade(m auth.Member) bool {
	return g.checker.Load().CanTrade(m)
}

func guildRoles(roles []*discordgo.Role) []auth.Role {
	out := make([]auth.Role, 0, len(roles))
	for _, r := range roles {
		if r == nil {
			continue
		}
		out = append(out, auth.Role{ID: r.ID, Name: r.Name})
	}
	return out
}

// memberOf extracts the acting member of an interaction. Interactions from
// direct messages carry a user but no roles.
func memberOf(i *discordgo.InteractionCreate) auth.Member {
	if i.Member != nil && i.Member.User != nil {
		name := i.Member.Nick
		if name == "" {
			name = displayName(i.Member.User)
		}
		return auth.Member{UserID: i.Member.User.ID, DisplayName: name, RoleIDs: i.Member.Roles}
	}
	if i.User != nil {
		return auth.Member{UserID: i.User.ID, DisplayName: displayName(i.User)}
	}
	return auth.Member{}
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
