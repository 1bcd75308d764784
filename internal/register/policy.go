package register

import "caskv/internal/model"

type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Decide applies the acceptor rule: a proposal wins only with a ballot
// strictly greater than the current one. Equal ballots lose.
func Decide(current, proposal model.VersionedValue) Decision {
	if proposal.Ballot > current.Ballot {
		return Accept
	}
	return Reject
}
