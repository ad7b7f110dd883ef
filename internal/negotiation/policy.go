// Package negotiation implements the negotiation room state machine: the section
// registry, the per-section AI context manager and the single-writer session that
// owns both.
package negotiation

// Policy holds the configurable negotiation rules.
type Policy struct {
	// AllowReopenAgreed lets a party reject or counter an already agreed
	// section while negotiation is active. The section becomes conflicted
	// and the room refocuses on it.
	AllowReopenAgreed bool

	// ProposerAcceptsImplicitly records the proposer's position as accepting
	// its own proposal, so a single acceptance from the counterpart agrees the
	// section. When false both parties must submit an acceptance referencing
	// the proposal id.
	ProposerAcceptsImplicitly bool
}

// DefaultPolicy returns the rules used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		AllowReopenAgreed:         false,
		ProposerAcceptsImplicitly: true,
	}
}
