package relay

import "strconv"

// Kind is the numeric event kind carried on the wire.
type Kind int

const (
	KindOracleAnnouncement Kind = 88
	KindOracleAttestation  Kind = 89
	KindNegotiation        Kind = 8888
)

// Class is the closed set of envelope categories the router handles.
type Class int

const (
	ClassUnknown Class = iota
	ClassNegotiationMessage
	ClassOracleAnnouncement
	ClassOracleAttestation
)

// Class maps a wire kind to its category. Unrecognized kinds are ClassUnknown.
func (k Kind) Class() Class {
	switch k {
	case KindNegotiation:
		return ClassNegotiationMessage
	case KindOracleAnnouncement:
		return ClassOracleAnnouncement
	case KindOracleAttestation:
		return ClassOracleAttestation
	default:
		return ClassUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindOracleAnnouncement:
		return "oracle_announcement"
	case KindOracleAttestation:
		return "oracle_attestation"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

func (c Class) String() string {
	switch c {
	case ClassNegotiationMessage:
		return "negotiation"
	case ClassOracleAnnouncement:
		return "oracle_announcement"
	case ClassOracleAttestation:
		return "oracle_attestation"
	default:
		return "unknown"
	}
}
