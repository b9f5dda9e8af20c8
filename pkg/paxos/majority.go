package paxos

// MajorityRule captures everything the majority decision needs from the
// engine: the size of the acceptor set and, under a forced
// reconfiguration, the size of the forced configuration. Answers from
// nodes outside the forced configuration never arrive, so counting over
// the normal nodeset while comparing against the forced size is safe.
type MajorityRule struct {
	MaxNodes  int
	ForcedMax int
}

// Met decides whether the answered set constitutes a majority.
//
// Normal rule: strictly more than half. With all set (cons_all),
// unanimity. With force set, every member of the forced configuration.
func (r MajorityRule) Met(answered NodeSet, all, force bool) bool {
	ok := answered.Count()
	if force {
		return ok == r.ForcedMax
	}
	if all {
		return ok == r.MaxNodes
	}
	return ok > r.MaxNodes/2
}
