// Package identity implements the identity cache (component C1): resolving
// a user uid to its set of principals, with an idle-TTL cache in front of
// an external identity lookup.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/karstenda/colabri-doc/principal"
)

// idleTTL mirrors original_source's userctx.rs moka cache: 5 minutes
// time-to-idle.
const idleTTL = 5 * time.Minute

// UserCtx is a resolved user's principal set.
type UserCtx struct {
	Principals principal.Set
}

// GetUserPrincipal returns the "<org>/u/<uid>" principal for org, if the
// user is a member of it.
func (u UserCtx) GetUserPrincipal(org string) (string, bool) {
	uid, ok := u.Principals.OrgMemberUID(org)
	if !ok {
		return "", false
	}
	return org + "/u/" + uid, true
}

// Client resolves a uid's principals from the external identity service
// (the "app service" in original_source).
type Client interface {
	GetPrincipals(ctx context.Context, uid string) ([]string, error)
}

// Cache is the idle-TTL cache C1 describes, backed by go-cache. go-cache
// does not reset an item's expiry on read (unlike moka's time_to_idle), so
// GetOrFetch re-inserts the hit with a fresh TTL to approximate idle expiry.
type Cache struct {
	store  *cache.Cache
	client Client
}

// NewCache builds a cache that falls back to client on miss.
func NewCache(client Client) *Cache {
	return &Cache{
		store:  cache.New(idleTTL, 2*idleTTL),
		client: client,
	}
}

// GetOrFetch returns the cached UserCtx for uid, refreshing from client on
// a cache miss and re-inserting on a hit to push out the idle deadline.
func (c *Cache) GetOrFetch(ctx context.Context, uid string) (UserCtx, error) {
	if v, ok := c.store.Get(uid); ok {
		uctx := v.(UserCtx)
		c.store.Set(uid, uctx, idleTTL)
		return uctx, nil
	}

	prpls, err := c.client.GetPrincipals(ctx, uid)
	if err != nil {
		return UserCtx{}, fmt.Errorf("identity: fetch principals for %s: %w", uid, err)
	}
	uctx := UserCtx{Principals: principal.Set(prpls)}
	c.store.Set(uid, uctx, idleTTL)
	return uctx, nil
}

// Peek returns the cached UserCtx without fetching, for call sites (session
// update-admission) that must not block on a network round trip.
func (c *Cache) Peek(uid string) (UserCtx, bool) {
	v, ok := c.store.Get(uid)
	if !ok {
		return UserCtx{}, false
	}
	return v.(UserCtx), true
}

// Len reports the number of cached identities, for diagnostics.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// parsePrincipalsJSON accepts either a bare JSON array of principal
// strings or {"prpls": [...]}, matching original_source's
// parse_principals_from_json.
func parsePrincipalsJSON(data []byte) []string {
	var withKey struct {
		Prpls []string `json:"prpls"`
	}
	if err := json.Unmarshal(data, &withKey); err == nil && withKey.Prpls != nil {
		return withKey.Prpls
	}
	var bare []string
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare
	}
	return nil
}
