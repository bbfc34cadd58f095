package stats

import "fmt"

// Outcome classifies one completed request. Exactly one outcome is recorded
// per request.
type Outcome uint8

const (
	Success Outcome = iota + 1
	SuccessCached
	ParseError
	TimeoutError
	ConnectionError
)

// Outcomes lists every valid outcome in declaration order.
var Outcomes = []Outcome{Success, SuccessCached, ParseError, TimeoutError, ConnectionError}

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case SuccessCached:
		return "success_cached"
	case ParseError:
		return "parse_error"
	case TimeoutError:
		return "timeout_error"
	case ConnectionError:
		return "connection_error"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Valid reports whether o is one of the declared outcomes.
func (o Outcome) Valid() bool {
	return o >= Success && o <= ConnectionError
}

// ParseOutcome maps the String form back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range Outcomes {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}
