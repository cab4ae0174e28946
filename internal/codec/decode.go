package codec

import (
	"encoding/json"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
)

// Corrective is appended to the retry prompt when an agent's previous reply
// failed extraction or validation.
const Corrective = "Your last output failed validation. Return exactly one JSON object matching the requested schema, with no prose before or after it."

// wrapperKeys are checked one level deep when a candidate object does not
// validate directly (agents sometimes nest the payload under a generic key).
var wrapperKeys = []string{"report", "payload", "data", "result"}

// validator is implemented by every protocol message type.
type validator interface {
	Validate() error
}

// decode attempts every candidate object in text, direct first and then one
// level of wrapper-key nesting, returning the first value that validates.
func decode[T validator](text string) (T, bool) {
	var zero T
	for _, candidate := range Candidates(text) {
		if v, ok := tryDecode[T](candidate); ok {
			return v, true
		}
		var outer map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &outer); err != nil {
			continue
		}
		for _, key := range wrapperKeys {
			raw, present := outer[key]
			if !present {
				continue
			}
			if v, ok := tryDecode[T](string(raw)); ok {
				return v, true
			}
		}
	}
	return zero, false
}

func tryDecode[T validator](candidate string) (T, bool) {
	var v T
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return v, false
	}
	if err := v.Validate(); err != nil {
		return v, false
	}
	return v, true
}

// DecodeDecision extracts a controller decision from free-form text.
func DecodeDecision(text string) (protocol.ControllerDecision, bool) {
	return decode[protocol.ControllerDecision](text)
}

// DecodePlan extracts a team plan from free-form text.
func DecodePlan(text string) (protocol.TeamPlan, bool) {
	return decode[protocol.TeamPlan](text)
}

// DecodeReview extracts a peer review from free-form text.
func DecodeReview(text string) (protocol.PeerReview, bool) {
	return decode[protocol.PeerReview](text)
}

// DecodeDigest extracts a convergence digest from free-form text.
func DecodeDigest(text string) (protocol.ConvergenceDigest, bool) {
	return decode[protocol.ConvergenceDigest](text)
}

// DecodeBlueprint extracts an execution blueprint from free-form text.
func DecodeBlueprint(text string) (protocol.ExecutionBlueprint, bool) {
	return decode[protocol.ExecutionBlueprint](text)
}

// DecodeRoleMatch extracts an assisted role-ranking reply from free-form text.
func DecodeRoleMatch(text string) (protocol.RoleMatch, bool) {
	return decode[protocol.RoleMatch](text)
}

// DecodeReport extracts a task report from free-form text.
func DecodeReport(text string) (protocol.TaskReport, bool) {
	return decode[protocol.TaskReport](text)
}
