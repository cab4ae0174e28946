package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/codec"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/idempotency"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// nameSuffixBound caps the numbered-suffix search before falling back to a
// timestamp suffix.
const nameSuffixBound = 9

// Options controls one resolution pass.
type Options struct {
	// AllowCreate permits creating agents immediately instead of queueing
	// PendingCreation entries.
	AllowCreate bool
	// Workspace is passed to CreateAgent for new agents.
	Workspace string
	// DefaultModel is used for created agents when the role gives no hint.
	DefaultModel string
	// ControllerSession is the session used for assisted ranking exchanges.
	ControllerSession string
	// Objective scopes the assisted ranking to the current plan.
	Objective string
}

// Resolution is the outcome of resolving one plan.
type Resolution struct {
	// TaskAgents maps task id to the concrete agent id it resolved to.
	TaskAgents map[string]string
	// Added lists agent ids created during this pass.
	Added []string
	// Pending lists bootstrap requests queued because creation was disallowed.
	Pending []team.PendingCreation
}

// Resolver performs role resolution against the gateway roster and the
// role-metadata index.
type Resolver struct {
	client gateway.Client
	index  Index
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(client gateway.Client, index Index, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, index: index, logger: logger}
}

// ResolvePlan maps every task in plan to an agent id where possible.
// Resolution order per task, first match wins: pass-local cache, explicit
// agent id, exact role-hint match, assisted ranking, then creation or a
// queued PendingCreation.
func (r *Resolver) ResolvePlan(ctx context.Context, teamID string, plan protocol.TeamPlan, opts Options) (Resolution, error) {
	res := Resolution{TaskAgents: make(map[string]string)}

	agents, err := r.client.ListAgents(ctx)
	if err != nil {
		return res, fmt.Errorf("roster: list agents: %w", err)
	}

	// Cache of role key -> agent created earlier in this same pass.
	created := make(map[string]string)
	pendingByKey := make(map[string]bool)

	for _, task := range plan.Tasks {
		roleKey := team.NormalizeRoleKey(task.Role)

		// (1) an agent already created for this role in this pass.
		if roleKey != "" {
			if id, ok := created[roleKey]; ok {
				res.TaskAgents[task.ID] = id
				continue
			}
		}

		// (2) the task's explicit agent id, when eligible.
		if task.AgentID != "" && r.eligible(task.AgentID, agents) {
			res.TaskAgents[task.ID] = task.AgentID
			continue
		}

		// (3) exact case-insensitive match of the role hint.
		if id := r.exactMatch(task.Role, agents); id != "" {
			res.TaskAgents[task.ID] = id
			continue
		}

		// (4) assisted ranking over the eligible candidate pool.
		roleUnmatched := false
		if task.Role != "" && opts.ControllerSession != "" {
			id, unmatched := r.rankCandidates(ctx, teamID, task, opts, agents)
			if id != "" {
				res.TaskAgents[task.ID] = id
				continue
			}
			roleUnmatched = unmatched
		}

		// (5) creation disallowed: queue a pending creation and move on.
		if !opts.AllowCreate {
			summary := fmt.Sprintf("Needed for task %s: %s", task.ID, truncate(task.Instruction, 120))
			if roleUnmatched {
				summary = fmt.Sprintf("Controller reported role %q unmatched by the current roster. %s", task.Role, summary)
			}
			entry := team.PendingCreation{
				Role:          task.Role,
				RoleKey:       roleKey,
				Summary:       summary,
				SuggestedName: r.allocateName(roleKey, agents, res.Pending),
				TaskIDs:       []string{task.ID},
			}
			if pendingByKey[roleKey] {
				// Merge into the existing entry for the same role.
				for i := range res.Pending {
					if res.Pending[i].RoleKey == roleKey {
						res.Pending[i].TaskIDs = append(res.Pending[i].TaskIDs, task.ID)
						break
					}
				}
			} else {
				pendingByKey[roleKey] = true
				res.Pending = append(res.Pending, entry)
			}
			continue
		}

		// (6) creation allowed: create the agent now and cache it.
		info, err := r.createForRole(ctx, task.Role, roleKey, opts, agents, res.Pending)
		if err != nil {
			return res, err
		}
		agents, err = r.client.ListAgents(ctx)
		if err != nil {
			return res, fmt.Errorf("roster: refresh agents: %w", err)
		}
		created[roleKey] = info.ID
		res.Added = append(res.Added, info.ID)
		res.TaskAgents[task.ID] = info.ID
	}

	return res, nil
}

// CreateFromPending realizes a previously queued creation request, used by
// the bootstrap confirm flow.
func (r *Resolver) CreateFromPending(ctx context.Context, entry team.PendingCreation, opts Options) (gateway.AgentInfo, error) {
	info, err := r.client.CreateAgent(ctx, gateway.CreateAgentSpec{
		Name:      entry.SuggestedName,
		Workspace: opts.Workspace,
		Model:     opts.DefaultModel,
	})
	if err != nil {
		return gateway.AgentInfo{}, fmt.Errorf("roster: create agent %s: %w", entry.SuggestedName, err)
	}
	r.index.Put(info.ID, Metadata{
		DisplayName: entry.SuggestedName,
		Role:        entry.Role,
		Summary:     entry.Summary,
		Tags:        []string{entry.RoleKey},
		Model:       opts.DefaultModel,
	})
	return info, nil
}

func (r *Resolver) createForRole(ctx context.Context, role, roleKey string, opts Options, agents []gateway.AgentInfo, pending []team.PendingCreation) (gateway.AgentInfo, error) {
	name := r.allocateName(roleKey, agents, pending)
	info, err := r.client.CreateAgent(ctx, gateway.CreateAgentSpec{
		Name:      name,
		Workspace: opts.Workspace,
		Model:     opts.DefaultModel,
	})
	if err != nil {
		return gateway.AgentInfo{}, fmt.Errorf("roster: create agent for role %q: %w", role, err)
	}
	r.index.Put(info.ID, Metadata{
		DisplayName: name,
		Role:        role,
		Summary:     fmt.Sprintf("Agent for role %s", role),
		Tags:        []string{roleKey},
		Model:       opts.DefaultModel,
	})
	r.logger.Info("created agent for role", "role", role, "agent_id", info.ID, "name", name)
	return info, nil
}

// eligible reports whether the agent exists in the roster with non-weak
// metadata.
func (r *Resolver) eligible(agentID string, agents []gateway.AgentInfo) bool {
	found := false
	for _, a := range agents {
		if a.ID == agentID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	meta, ok := r.index.Get(agentID)
	return ok && !meta.Weak()
}

// exactMatch finds an eligible agent whose id, display name, role, or tag
// equals the role hint, case-insensitively.
func (r *Resolver) exactMatch(role string, agents []gateway.AgentInfo) string {
	hint := strings.ToLower(strings.TrimSpace(role))
	if hint == "" {
		return ""
	}
	for _, a := range agents {
		if !r.eligible(a.ID, agents) {
			continue
		}
		meta, _ := r.index.Get(a.ID)
		if strings.EqualFold(a.ID, hint) ||
			strings.EqualFold(meta.DisplayName, hint) ||
			strings.EqualFold(a.Name, hint) ||
			strings.EqualFold(meta.Role, hint) {
			return a.ID
		}
		for _, tag := range meta.Tags {
			if strings.EqualFold(tag, hint) {
				return a.ID
			}
		}
	}
	return ""
}

// rankCandidates asks the controller to pick at most one usable candidate
// for the task, constrained to the plan objective and the eligible pool. The
// second return reports whether the controller marked the task's role as
// unsatisfiable by the current roster.
func (r *Resolver) rankCandidates(ctx context.Context, teamID string, task protocol.PlanTask, opts Options, agents []gateway.AgentInfo) (string, bool) {
	pool := make(map[string]bool)
	var lines []string
	for _, a := range agents {
		if !r.eligible(a.ID, agents) {
			continue
		}
		meta, _ := r.index.Get(a.ID)
		pool[a.ID] = true
		lines = append(lines, fmt.Sprintf("- %s: role=%s summary=%s tags=%s",
			a.ID, meta.Role, meta.Summary, strings.Join(meta.Tags, ",")))
	}
	if len(pool) == 0 {
		return "", false
	}

	prompt := fmt.Sprintf(
		"Pick the single best agent for this task, or report the role as unmatched.\n"+
			"Objective: %s\nTask role: %s\nTask instruction: %s\nCandidates:\n%s\n"+
			"Reply with one JSON object: {\"agent_id\": \"...\", \"unmatched_roles\": [...]}.",
		opts.Objective, task.Role, task.Instruction, strings.Join(lines, "\n"))

	// A fresh nonce per ranking call: the same task may be ranked again on a
	// later resolution pass, which is a different request.
	nonce := uuid.New().String()
	message := prompt
	for attempt := 1; attempt <= 2; attempt++ {
		key := idempotency.Key(teamID, "rank:"+task.ID+":"+nonce, attempt)
		reply, err := r.client.Send(ctx, opts.ControllerSession, message, key)
		if err != nil {
			r.logger.Warn("assisted ranking failed", "task_id", task.ID, "error", err)
			return "", false
		}
		match, ok := codec.DecodeRoleMatch(reply)
		if !ok {
			message = prompt + "\n\n" + codec.Corrective
			continue
		}
		// Constrain the answer to the candidate pool.
		if match.AgentID != "" && pool[match.AgentID] {
			return match.AgentID, false
		}
		if match.AgentID != "" {
			r.logger.Warn("ranking named agent outside pool", "task_id", task.ID, "agent_id", match.AgentID)
		}
		return "", roleReportedUnmatched(task.Role, match.UnmatchedRoles)
	}
	return "", false
}

// roleReportedUnmatched checks the controller's unmatched list for the
// task's role, comparing by normalized role key.
func roleReportedUnmatched(role string, unmatched []string) bool {
	key := team.NormalizeRoleKey(role)
	for _, u := range unmatched {
		if team.NormalizeRoleKey(u) == key {
			return true
		}
	}
	return false
}

// allocateName produces a collision-free suggested name for a role key:
// base, base-2 ... base-9, then a timestamp suffix.
func (r *Resolver) allocateName(roleKey string, agents []gateway.AgentInfo, pending []team.PendingCreation) string {
	base := roleKey
	if base == "" {
		base = "agent"
	}

	taken := make(map[string]bool)
	for _, a := range agents {
		taken[strings.ToLower(a.ID)] = true
		taken[strings.ToLower(a.Name)] = true
	}
	for _, p := range pending {
		taken[strings.ToLower(p.SuggestedName)] = true
	}

	if !taken[base] {
		return base
	}
	for i := 2; i <= nameSuffixBound; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
	return fmt.Sprintf("%s-%d", base, time.Now().Unix())
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
