package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when a wire message names an event kind this
	// client does not understand.
	ErrUnknownKind = errors.New("events: unknown event kind")
	// ErrInternalKind is returned when a wire message names a deadline kind.
	// Deadline events are only produced by the schedule.
	ErrInternalKind = errors.New("events: deadline kind not accepted from the wire")
)

// Decode converts a gateway or webhook message body into its typed payload.
// Deadline kinds are refused with ErrInternalKind.
func Decode(kind string, raw json.RawMessage) (Event, error) {
	if IsDue(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInternalKind, kind)
	}
	return decode(kind, raw)
}

// DecodeDue converts a journaled deadline record back into its payload. It
// accepts deadline kinds only.
func DecodeDue(kind string, raw json.RawMessage) (Event, error) {
	if !IsDue(kind) {
		return nil, fmt.Errorf("%w: %q is not a deadline kind", ErrUnknownKind, kind)
	}
	return decode(kind, raw)
}

// IsDue reports whether kind names a deadline event.
func IsDue(kind string) bool {
	switch kind {
	case TypeRevealAssertionDue, TypeSettleBountyDue, TypeVoteOnBountyDue:
		return true
	}
	return false
}

func decode(kind string, raw json.RawMessage) (Event, error) {
	var ev Event
	switch kind {
	case TypeBounty:
		ev = new(Bounty)
	case TypeAssertion:
		ev = new(Assertion)
	case TypeReveal:
		ev = new(Reveal)
	case TypeVerdict:
		ev = new(Verdict)
	case TypeQuorum:
		ev = new(Quorum)
	case TypeSettledBounty:
		ev = new(SettledBounty)
	case TypeBlock:
		ev = new(Block)
	case TypeChannelInitialized:
		ev = new(ChannelInitialized)
	case TypeRevealAssertionDue:
		ev = new(RevealAssertionDue)
	case TypeSettleBountyDue:
		ev = new(SettleBountyDue)
	case TypeVoteOnBountyDue:
		ev = new(VoteOnBountyDue)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, ev); err != nil {
			return nil, fmt.Errorf("events: decode %s: %w", kind, err)
		}
	}
	return deref(ev), nil
}

// deref returns the value form of a decoded payload so handlers can use a
// single type switch on value types.
func deref(ev Event) Event {
	switch v := ev.(type) {
	case *Bounty:
		return *v
	case *Assertion:
		return *v
	case *Reveal:
		return *v
	case *Verdict:
		return *v
	case *Quorum:
		return *v
	case *SettledBounty:
		return *v
	case *Block:
		return *v
	case *ChannelInitialized:
		return *v
	case *RevealAssertionDue:
		return *v
	case *SettleBountyDue:
		return *v
	case *VoteOnBountyDue:
		return *v
	}
	return ev
}
