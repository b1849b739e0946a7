package event

// CommandKind discriminator for command payloads
type CommandKind int32

const (
	CommandKindUnknown CommandKind = iota
	CommandKindRegisterSource
	CommandKindSubmitPrice
	CommandKindOpenPosition
	CommandKindDepositConfirmed
	CommandKindRiskConfigUpdate
)

// Command is the interface all mutating commands must implement.
// Timestamps are versioned inputs supplied by the caller (epoch seconds);
// the engine never reads the wall clock itself.
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Kind returns the discriminator
	Kind() CommandKind

	// FeedID returns the feed context (nil for global commands)
	FeedID() *string

	// Timestamp returns the versioned input time in epoch seconds
	Timestamp() int64
}

func (ck CommandKind) String() string {
	switch ck {
	case CommandKindRegisterSource:
		return "RegisterSource"
	case CommandKindSubmitPrice:
		return "SubmitPrice"
	case CommandKindOpenPosition:
		return "OpenPosition"
	case CommandKindDepositConfirmed:
		return "DepositConfirmed"
	case CommandKindRiskConfigUpdate:
		return "RiskConfigUpdate"
	default:
		return "Unknown"
	}
}

// Side of a leveraged position
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseSide maps wire strings to Side. Unrecognized input maps to
// SideUnknown, which the policy layer rejects.
func ParseSide(s string) Side {
	switch s {
	case "long", "LONG":
		return SideLong
	case "short", "SHORT":
		return SideShort
	default:
		return SideUnknown
	}
}
