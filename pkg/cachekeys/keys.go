// Package cachekeys defines the structured key scheme shared by every
// cache, rate-limit, and budget component in this module.
//
// A key is always namespace:entityType:identifier[:version]. A pattern is
// any strict prefix of a key, matched by the shared utils.PrefixMatch.
package cachekeys

import "strings"

// Namespace is the first colon-delimited segment of every cache key.
type Namespace string

const (
	NamespaceVault       Namespace = "vault"
	NamespaceLeaderboard Namespace = "lb"
	NamespaceConfig      Namespace = "cfg"
	NamespaceRPC         Namespace = "rpc"
	NamespaceSession     Namespace = "session"
	NamespaceToken       Namespace = "token"
	NamespaceGuild       Namespace = "guild"
	NamespaceGeneric     Namespace = "gen"
)

// Build assembles a key from its parts. ns, entity and version must not
// contain colons. id may contain colons, but Parse reads the last segment of
// any key with four or more segments as the version, so such an id parses
// back intact only when a version was given.
func Build(ns Namespace, entity, id string, version ...string) string {
	parts := []string{string(ns), entity, id}
	if len(version) > 0 && version[0] != "" {
		parts = append(parts, version[0])
	}
	return strings.Join(parts, ":")
}

// Parsed is the decomposition of a key produced by Build.
type Parsed struct {
	Namespace Namespace
	Entity    string
	ID        string
	Version   string
}

// Parse is the inverse of Build. It returns ok=false for strings with
// fewer than 3 colon-separated parts, per the component contract.
func Parse(key string) (Parsed, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return Parsed{}, false
	}
	p := Parsed{Namespace: Namespace(parts[0]), Entity: parts[1]}
	if len(parts) == 3 {
		p.ID = parts[2]
		return p, true
	}
	// id may contain colons; version is always the last segment.
	p.Version = parts[len(parts)-1]
	p.ID = strings.Join(parts[2:len(parts)-1], ":")
	return p, true
}

// UserVault is the key holding a user's cached vault/wallet snapshot.
func UserVault(userID string) string {
	return Build(NamespaceVault, "user", userID)
}

// UserPosition is the key holding a user's cached leaderboard position
// within a single guild.
func UserPosition(userID, guildID string) string {
	return Build(NamespaceLeaderboard, "user", userID+":guild:"+guildID)
}

// GuildLeaderboard is the key holding a guild's cached leaderboard.
func GuildLeaderboard(guildID string) string {
	return Build(NamespaceLeaderboard, "guild", guildID)
}

// TenantConfig is the key holding a guild's cached tenant configuration.
func TenantConfig(guildID string) string {
	return Build(NamespaceConfig, "guild", guildID)
}

// RPCBalance is the key holding a cached on-chain wallet balance.
func RPCBalance(walletAddr string) string {
	return Build(NamespaceRPC, "wallet", strings.ToLower(walletAddr))
}

// TokenMetadata is the key holding cached ERC-style token metadata.
func TokenMetadata(tokenAddr string) string {
	return Build(NamespaceToken, "token", strings.ToLower(tokenAddr))
}

// GuildStats is the key holding cached aggregate guild statistics.
func GuildStats(guildID string) string {
	return Build(NamespaceGuild, "agg", guildID)
}

// Generic builds a key for callers outside the reserved namespaces above.
func Generic(entity, id string) string {
	return Build(NamespaceGeneric, entity, id)
}

// Invalidation patterns. These are strict prefixes, never full keys with a
// trailing wildcard character — DeletePattern matches by prefix alone.

// AllForUser is the pattern invalidating a user's vault entry.
func AllForUser(userID string) string {
	return UserVault(userID)
}

// AllUserPositionsInGuild is the pattern invalidating every cached
// leaderboard position, across all guilds, for all users. Narrower
// per-guild invalidation is not representable as a strict prefix because
// the guild segment follows the user segment in UserPosition; callers
// wanting a single guild's positions should delete by exact key instead.
func AllUserPositionsInGuild() string {
	return string(NamespaceLeaderboard) + ":user:"
}

// AllRPC is the pattern invalidating every cached RPC/on-chain value.
func AllRPC() string {
	return string(NamespaceRPC) + ":"
}

// Namespaced is the pattern invalidating every key under a namespace.
func Namespaced(ns Namespace) string {
	return string(ns) + ":"
}
