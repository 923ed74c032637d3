// Package identity holds the tenant and principal types consumed by the
// storage core. Realms are isolation boundaries; every stored asset path is
// namespaced by realm id. Authentication and permission checks live outside
// this module — only the realm-membership relation is modeled here.
package identity

// Realm is an isolated organizational namespace. IDs are opaque and
// immutable once assigned.
type Realm struct {
	ID int64
}

// UserProfile is an authenticated actor performing an upload.
type UserProfile struct {
	ID      int64
	RealmID int64

	// CrossRealmBot marks system principals (notification bots etc.) that
	// are allowed to write into any realm's namespace.
	CrossRealmBot bool
}

// IsSystemBot reports whether the principal is a cross-realm system bot.
func (u *UserProfile) IsSystemBot() bool {
	return u.CrossRealmBot
}

// CanWriteToRealm reports whether the principal may own assets in the given
// realm: either it belongs to that realm, or it is a cross-realm system bot.
func (u *UserProfile) CanWriteToRealm(realmID int64) bool {
	return u.RealmID == realmID || u.CrossRealmBot
}
