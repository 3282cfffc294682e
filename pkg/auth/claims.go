package auth

// Role is a caller's access level, extracted from the validated JWT's
// custom claims.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
)

// rank orders roles from least to most privileged so RequireRole can
// compare "at least" a minimum, matching the teacher's ensureLeader-style
// single-predicate gate (pkg/api/server.go) generalized to a ranked
// enum instead of a boolean.
var rank = map[Role]int{
	RoleUser:      0,
	RoleDeveloper: 1,
	RoleAdmin:     2,
}

// atLeast reports whether have meets or exceeds want.
func atLeast(have, want Role) bool {
	return rank[have] >= rank[want]
}

// Claims holds the caller identity extracted from a validated JWT.
type Claims struct {
	Subject   string
	Email     string
	Wallet    string
	ProjectID string
	Role      Role
}
