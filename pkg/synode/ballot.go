package synode

import "fmt"

// Ballot orders competing proposals within a synod. Cnt == -1 means
// "never promised".
type Ballot struct {
	Cnt  int32  `json:"cnt"`
	Node NodeNo `json:"node"`
}

// BallotLt orders ballots lexicographically on (cnt, node).
func BallotLt(a, b Ballot) bool {
	if a.Cnt != b.Cnt {
		return a.Cnt < b.Cnt
	}
	return a.Node < b.Node
}

func BallotGt(a, b Ballot) bool {
	return BallotLt(b, a)
}

func BallotEq(a, b Ballot) bool {
	return a == b
}

func (b Ballot) String() string {
	return fmt.Sprintf("ballot{cnt %d node %d}", b.Cnt, b.Node)
}
