package paxos

import "errors"

var (
	ErrShutdown  = errors.New("paxcom: engine shut down")
	ErrNoCache   = errors.New("paxcom: machine cache exhausted")
	ErrTooFar    = errors.New("paxcom: synod beyond event horizon")
	ErrNotBooted = errors.New("paxcom: node not booted")
	ErrNoSite    = errors.New("paxcom: no site installed")
	ErrBadProto  = errors.New("paxcom: protocol mismatch")
	ErrDelivered = errors.New("paxcom: delivery failed")
)
