package channel

// transitions lists the valid status changes. Entering Error is valid from
// anywhere and staying in place is always allowed; both are handled in CanTransition.
var transitions = map[Status][]Status{
	Idle:        {Running, Venting},
	Running:     {Stabilizing, Idle, Venting},
	Stabilizing: {Running, Idle, Venting},
	Error:       {Running, Stabilizing, Idle, Venting},
	Venting:     {Idle},
}

// CanTransition reports whether a channel may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to || to == Error {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
