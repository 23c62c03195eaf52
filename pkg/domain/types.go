package domain

import "strings"

// Entity names a collection exposed by the API.
type Entity string

const (
	EntityUsers     Entity = "users"
	EntityClubs     Entity = "clubs"
	EntityBooks     Entity = "books"
	EntityMovies    Entity = "movies"
	EntityProposals Entity = "proposals"
	EntityVotes     Entity = "votes"
	EntityRatings   Entity = "ratings"
)

// Relationship and credential fields.
const (
	FieldID           = "id"
	FieldClubs        = "clubs"
	FieldMembers      = "members"
	FieldAdmins       = "admins"
	FieldEmail        = "email"
	FieldPassword     = "password"
	FieldPasswordHash = "passwordHash"
)

// Entities lists every collection in a stable order.
func Entities() []Entity {
	return []Entity{
		EntityUsers,
		EntityClubs,
		EntityBooks,
		EntityMovies,
		EntityProposals,
		EntityVotes,
		EntityRatings,
	}
}

// ParseEntity resolves a path segment to a known entity.
func ParseEntity(raw string) (Entity, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, e := range Entities() {
		if string(e) == raw {
			return e, true
		}
	}
	return "", false
}

func (e Entity) String() string {
	return string(e)
}
