package gifts

// ResultKind identifies the transition an audit entry records. The numeric
// values are persisted and must not change.
type ResultKind int

const (
	ResultExpired ResultKind = 0
	ResultClaimed ResultKind = 1
	ResultSent    ResultKind = 2
)

func (k ResultKind) String() string {
	switch k {
	case ResultExpired:
		return "expired"
	case ResultClaimed:
		return "claimed"
	case ResultSent:
		return "sent"
	default:
		return "unknown"
	}
}

// ParseResultKind maps the lower-case name back to its kind.
func ParseResultKind(name string) (ResultKind, bool) {
	switch name {
	case "expired":
		return ResultExpired, true
	case "claimed":
		return ResultClaimed, true
	case "sent":
		return ResultSent, true
	}
	return 0, false
}
