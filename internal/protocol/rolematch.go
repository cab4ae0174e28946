package protocol

import "fmt"

// RoleMatch is the controller's structured answer to an assisted role
// ranking request: at most one usable candidate for the task, plus the roles
// the current pool cannot satisfy.
type RoleMatch struct {
	AgentID        string   `json:"agent_id,omitempty"`
	UnmatchedRoles []string `json:"unmatched_roles,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Validate requires the reply to say something: either a candidate or at
// least one unmatched role.
func (m RoleMatch) Validate() error {
	if m.AgentID == "" && len(m.UnmatchedRoles) == 0 {
		return fmt.Errorf("protocol: role match names neither a candidate nor unmatched roles")
	}
	return nil
}
