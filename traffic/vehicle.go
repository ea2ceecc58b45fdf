// Package traffic holds the vehicle and role types shared by gates and
// lights, and the single arbitration rule both lights apply.
package traffic

import "fmt"

// Vehicle is the kind of vehicle waiting on one approach. The ordering
// matters: Emergency dominates Normal, None means no pending request.
type Vehicle int

const (
	None Vehicle = iota
	Normal
	Emergency
)

func (v Vehicle) String() string {
	switch v {
	case None:
		return "none"
	case Normal:
		return "normal"
	case Emergency:
		return "emergency"
	}
	return fmt.Sprintf("vehicle(%d)", int(v))
}

func (v Vehicle) Valid() bool {
	return v >= None && v <= Emergency
}

// Escalate returns the stronger of v and w. A session's vehicle only
// ever moves through Escalate, so it never downgrades.
func (v Vehicle) Escalate(w Vehicle) Vehicle {
	if w > v {
		return w
	}
	return v
}

// PeerVehicle is what a light knows about the other road: either nothing
// yet, or the value the peer light reported. Unknown is distinct from
// Known(None).
type PeerVehicle struct {
	known   bool
	vehicle Vehicle
}

var Unknown = PeerVehicle{}

func Known(v Vehicle) PeerVehicle {
	return PeerVehicle{known: true, vehicle: v}
}

func (p PeerVehicle) IsKnown() bool {
	return p.known
}

// Get returns the peer vehicle and whether it is known.
func (p PeerVehicle) Get() (Vehicle, bool) {
	return p.vehicle, p.known
}

// Is reports whether the peer is known to have exactly v.
func (p PeerVehicle) Is(v Vehicle) bool {
	return p.known && p.vehicle == v
}

func (p PeerVehicle) String() string {
	if !p.known {
		return "unknown"
	}
	return p.vehicle.String()
}

// Role says whether a light sits on the major road.
type Role int

const (
	Priority Role = iota
	Yielding
)

func RoleOf(priority bool) Role {
	if priority {
		return Priority
	}
	return Yielding
}

func (r Role) String() string {
	if r == Priority {
		return "priority"
	}
	return "yielding"
}
