package authorization

// Role is the administrative standing of an address.
type Role int

const (
	RoleNone Role = iota
	RoleSubOwner
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleSubOwner:
		return "sub_owner"
	default:
		return "none"
	}
}

// Capability is one class of administrative operation.
type Capability string

const (
	CapManageAuthorizations Capability = "manage_authorizations"
	CapMintCredentials      Capability = "mint_credentials"
	CapManageSubOwners      Capability = "manage_sub_owners"
	CapManageDomains        Capability = "manage_domains"
	CapManageProcessors     Capability = "manage_processors"
	CapManageQueues         Capability = "manage_queues"
	CapManageZK             Capability = "manage_zk"
	CapTransferOwnership    Capability = "transfer_ownership"
)

// capabilities is the role table. Sub-owners run day-to-day administration
// but cannot change who administers.
var capabilities = map[Role]map[Capability]bool{
	RoleOwner: {
		CapManageAuthorizations: true,
		CapMintCredentials:      true,
		CapManageSubOwners:      true,
		CapManageDomains:        true,
		CapManageProcessors:     true,
		CapManageQueues:         true,
		CapManageZK:             true,
		CapTransferOwnership:    true,
	},
	RoleSubOwner: {
		CapManageAuthorizations: true,
		CapMintCredentials:      true,
		CapManageDomains:        true,
		CapManageProcessors:     true,
		CapManageQueues:         true,
		CapManageZK:             true,
	},
}

// Can reports whether the role grants c.
func (r Role) Can(c Capability) bool {
	return capabilities[r][c]
}
