package domain

// ActorRole enumerates the roles supplied by the identity boundary.
type ActorRole string

const (
	RoleAdmin  ActorRole = "ADMIN"
	RoleAgent  ActorRole = "AGENT"
	RoleClient ActorRole = "CLIENT"
	// RoleSystem is used for changes made by the engine itself.
	RoleSystem ActorRole = "SYSTEM"
)

// Valid reports whether r is a caller-facing role.
func (r ActorRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleAgent, RoleClient:
		return true
	}
	return false
}

// Actor identifies who performs an operation.
type Actor struct {
	ID   string
	Role ActorRole
}

// SystemActor is the actor recorded for monitor-driven changes.
var SystemActor = Actor{ID: "sla-monitor", Role: RoleSystem}
