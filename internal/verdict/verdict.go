// Package verdict holds the three-way outcome shared by every engine.
// Degraded means the check could not be evaluated and the call was let through.
package verdict

import "encoding/json"

type Outcome int

const (
	Allowed Outcome = iota
	Denied
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Permits reports whether the caller may proceed
func (o Outcome) Permits() bool {
	return o != Denied
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}
