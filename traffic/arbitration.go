package traffic

type Decision int

const (
	Blocked Decision = iota // peer value not known yet
	GrantSelf
	Yield
)

func (d Decision) String() string {
	switch d {
	case GrantSelf:
		return "grant"
	case Yield:
		return "yield"
	}
	return "blocked"
}

// Arbitrate decides who goes first. Both lights run the same rule with
// their own role, so given the same pair of values exactly one of them
// (or neither) grants.
func Arbitrate(role Role, mine Vehicle, peer PeerVehicle) Decision {
	if mine == None {
		return Yield
	}
	theirs, ok := peer.Get()
	if !ok {
		return Blocked
	}
	if Grants(role, mine, theirs) {
		return GrantSelf
	}
	return Yield
}

// Grants is the priority rule for two known values.
func Grants(role Role, mine, theirs Vehicle) bool {
	if mine == None {
		return false
	}
	switch role {
	case Priority:
		// major road goes unless an emergency is waiting on the minor road only
		return !(theirs == Emergency && mine != Emergency)
	default:
		return theirs == None || (mine == Emergency && theirs != Emergency)
	}
}
