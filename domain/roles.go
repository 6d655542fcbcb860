package domain

// Role names one of the six parties of an escrow.
type Role string

const (
	RoleApprover        Role = "approver"
	RoleServiceProvider Role = "serviceProvider"
	RolePlatform        Role = "platformAddress"
	RoleReleaseSigner   Role = "releaseSigner"
	RoleDisputeResolver Role = "disputeResolver"
	RoleReceiver        Role = "receiver"
)

// AllRoles lists roles in display order.
var AllRoles = []Role{
	RoleApprover,
	RoleServiceProvider,
	RolePlatform,
	RoleReleaseSigner,
	RoleDisputeResolver,
	RoleReceiver,
}

// ParseRole accepts the canonical role names.
func ParseRole(value string) (Role, bool) {
	for _, r := range AllRoles {
		if string(r) == value {
			return r, true
		}
	}
	return "", false
}

// Roles holds the party address for every role.
type Roles struct {
	Approver        string `json:"approver" yaml:"approver"`
	ServiceProvider string `json:"serviceProvider" yaml:"serviceProvider"`
	PlatformAddress string `json:"platformAddress" yaml:"platformAddress"`
	ReleaseSigner   string `json:"releaseSigner" yaml:"releaseSigner"`
	DisputeResolver string `json:"disputeResolver" yaml:"disputeResolver"`
	Receiver        string `json:"receiver" yaml:"receiver"`
}

// Address returns the address assigned to role.
func (r Roles) Address(role Role) string {
	switch role {
	case RoleApprover:
		return r.Approver
	case RoleServiceProvider:
		return r.ServiceProvider
	case RolePlatform:
		return r.PlatformAddress
	case RoleReleaseSigner:
		return r.ReleaseSigner
	case RoleDisputeResolver:
		return r.DisputeResolver
	case RoleReceiver:
		return r.Receiver
	default:
		return ""
	}
}

// Validate checks every role address against the configured format.
func (r Roles) Validate(format AddressFormat) error {
	for _, role := range AllRoles {
		addr := r.Address(role)
		if addr == "" {
			return Invalidf("%s address is required", role)
		}
		if !format.ValidAddress(addr) {
			return Invalidf("%s address %q is not a valid %s address", role, addr, format)
		}
	}
	return nil
}

// RoleSet is the set of roles an address holds on one escrow. An empty set is
// a read-only viewer, not an error.
type RoleSet []Role

func (s RoleSet) Has(role Role) bool {
	for _, r := range s {
		if r == role {
			return true
		}
	}
	return false
}

func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// ResolveRoles returns every role whose address matches exactly. Matching is
// case-sensitive.
func ResolveRoles(e *Escrow, address string) RoleSet {
	set := RoleSet{}
	if e == nil || address == "" {
		return set
	}
	for _, role := range AllRoles {
		if e.Roles.Address(role) == address {
			set = append(set, role)
		}
	}
	return set
}

// RequireRole returns a validation error unless the caller holds one of roles.
func RequireRole(e *Escrow, caller string, roles ...Role) (RoleSet, error) {
	held := ResolveRoles(e, caller)
	if !held.HasAny(roles...) {
		if len(roles) == 1 {
			return held, Invalidf("caller does not hold the %s role", roles[0])
		}
		return held, Invalidf("caller holds none of the roles %v", roles)
	}
	return held, nil
}
