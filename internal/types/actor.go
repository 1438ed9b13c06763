// README: Caller identity passed from the transport layer into services.
package types

type Role string

const (
	RoleConsumer Role = "consumer"
	RoleDriver   Role = "driver"
	RoleFarmer   Role = "farmer"
	RoleAdmin    Role = "admin"
)

// Actor is an already-authenticated caller. Authentication itself happens upstream.
type Actor struct {
	ID   ID
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func ParseRole(v string) Role {
	switch Role(v) {
	case RoleDriver, RoleFarmer, RoleAdmin:
		return Role(v)
	default:
		return RoleConsumer
	}
}
