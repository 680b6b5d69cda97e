package protocol

// Action names an administrative capability.
type Action string

const (
	ActionClearSafeMode    Action = "oracle.clear_safe_mode"
	ActionUpdateParams     Action = "params.update"
	ActionTreasuryWithdraw Action = "treasury.withdraw"
)

// Authorizer is the access-control collaborator. Role storage lives
// elsewhere; the core only asks yes or no.
type Authorizer interface {
	Can(caller Address, action Action) bool
}

// AdminSet authorizes a fixed set of administrators for every action.
type AdminSet map[Address]struct{}

func NewAdminSet(admins ...Address) AdminSet {
	s := make(AdminSet, len(admins))
	for _, a := range admins {
		s[a] = struct{}{}
	}
	return s
}

func (s AdminSet) Can(caller Address, _ Action) bool {
	_, ok := s[caller]
	return ok
}

// DenyAll rejects every administrative call.
type DenyAll struct{}

func (DenyAll) Can(Address, Action) bool { return false }
