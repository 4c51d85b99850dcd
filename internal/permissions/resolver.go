// Package permissions resolves the capabilities an actor holds on an
// evaluation step.
//
// Static assignees (users, roles) match by id. System-role assignees are
// predicates keyed by tag and evaluated against the proposal context at
// resolution time; their membership is never stored.
package permissions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

// Context is the proposal and tenant state a resolution runs against.
type Context struct {
	TenantID   string
	ProposalID string
	Authors    []string
	// Steps is the proposal's snapshot, used by reviewer predicates that
	// look beyond the current step.
	Steps []models.EvaluationStep
	// Archived is set when the template or the proposal is archived.
	Archived bool
}

func (c Context) isAuthor(userID string) bool {
	for _, a := range c.Authors {
		if a == userID {
			return true
		}
	}
	return false
}

// Predicate decides whether actor belongs to a dynamic group for step.
type Predicate func(actor models.Actor, step models.EvaluationStep, pc Context) bool

// Direction of a step transition.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Progress is the review quorum state of the step being left.
type Progress struct {
	Required int
	Actual   int
}

// Complete reports whether the quorum is met.
func (p Progress) Complete() bool {
	return p.Actual >= p.Required
}

// Resolver expands step permission assignments into capability sets.
type Resolver struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	env        *cel.Env
	programs   map[string]cel.Program
}

// NewResolver returns a resolver with the built-in system roles registered.
func NewResolver() (*Resolver, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	r := &Resolver{
		predicates: make(map[string]Predicate),
		env:        env,
		programs:   make(map[string]cel.Program),
	}
	r.Register(models.SystemRoleAuthor, func(a models.Actor, _ models.EvaluationStep, pc Context) bool {
		return pc.isAuthor(a.UserID)
	})
	r.Register(models.SystemRoleCurrentReviewer, func(a models.Actor, step models.EvaluationStep, _ Context) bool {
		return reviews(a, step)
	})
	r.Register(models.SystemRoleAllReviewers, func(a models.Actor, _ models.EvaluationStep, pc Context) bool {
		for _, s := range pc.Steps {
			if reviews(a, s) {
				return true
			}
		}
		return false
	})
	r.Register(models.SystemRoleSpaceMember, func(a models.Actor, _ models.EvaluationStep, _ Context) bool {
		return a.IsMember || a.IsAdmin
	})
	r.Register(models.SystemRoleSpaceAdmin, func(a models.Actor, _ models.EvaluationStep, _ Context) bool {
		return a.IsAdmin
	})
	return r, nil
}

// Register installs or replaces the predicate for a system-role tag.
func (r *Resolver) Register(tag string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[tag] = p
}

// RegisterExpression defines a system role as a CEL boolean expression over
// the variables actor (id, roles, member, admin) and proposal (id, tenant_id,
// authors, step_id, step_type). Compiled programs are cached per expression.
func (r *Resolver) RegisterExpression(tag, expr string) error {
	prg, err := r.program(expr)
	if err != nil {
		return errs.Invariant("system role %q: %v", tag, err)
	}
	r.Register(tag, func(a models.Actor, step models.EvaluationStep, pc Context) bool {
		out, _, err := prg.Eval(map[string]any{
			"actor":    actorVars(a),
			"proposal": proposalVars(step, pc),
		})
		if err != nil {
			return false
		}
		ok, _ := out.Value().(bool)
		return ok
	})
	return nil
}

func (r *Resolver) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.programs[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	// map field access is dyn until evaluated
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}

	r.mu.Lock()
	r.programs[expr] = prg
	r.mu.Unlock()
	return prg, nil
}

// Known reports whether tag has a registered predicate.
func (r *Resolver) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.predicates[tag]
	return ok
}

// Resolve unions the capabilities of every assignment on step that matches
// actor. When pc.Archived is set only view capabilities survive.
func (r *Resolver) Resolve(step models.EvaluationStep, actor models.Actor, pc Context) models.CapabilitySet {
	var caps models.CapabilitySet
	for _, p := range step.Permissions {
		if r.matches(p.Assignee, actor, step, pc) {
			caps = caps.Union(p.Capabilities())
		}
	}
	if pc.Archived {
		return caps.ReadOnly()
	}
	return caps
}

func (r *Resolver) matches(a models.Assignee, actor models.Actor, step models.EvaluationStep, pc Context) bool {
	switch a.Group {
	case models.AssigneeUser:
		return actor.UserID != "" && a.ID == actor.UserID
	case models.AssigneeRole:
		return actor.HasRole(a.ID)
	case models.AssigneeSystemRole:
		r.mu.RLock()
		p, ok := r.predicates[a.ID]
		r.mu.RUnlock()
		return ok && p(actor, step, pc)
	}
	return false
}

// CanTransition checks that actor may move the proposal off step in dir.
// Moving forward past a pass_fail or rubric step also needs its quorum.
func (r *Resolver) CanTransition(step models.EvaluationStep, actor models.Actor, pc Context, dir Direction, progress Progress) error {
	if pc.Archived {
		return errs.ReadOnly("proposal is archived").WithStep(step.ID).WithProposal(pc.ProposalID)
	}
	need := models.CapMoveForward
	if dir == Backward {
		need = models.CapMoveBackward
	}
	if !r.Resolve(step, actor, pc).Has(need) {
		return errs.PermissionDenied("%s lacks %s", actor.UserID, need).WithStep(step.ID).WithProposal(pc.ProposalID)
	}
	if dir == Forward && step.Type().Reviewed() && !progress.Complete() {
		return errs.Incomplete(step.ID, progress.Required, progress.Actual).WithProposal(pc.ProposalID)
	}
	return nil
}

// reviews reports whether actor is a static evaluator of step. System-role
// assignees are skipped so reviewer predicates never recurse.
func reviews(actor models.Actor, step models.EvaluationStep) bool {
	for _, p := range step.Permissions {
		if !p.Capabilities().Has(models.CapEvaluate) {
			continue
		}
		switch p.Assignee.Group {
		case models.AssigneeUser:
			if actor.UserID != "" && p.Assignee.ID == actor.UserID {
				return true
			}
		case models.AssigneeRole:
			if actor.HasRole(p.Assignee.ID) {
				return true
			}
		}
	}
	return false
}

func actorVars(a models.Actor) map[string]any {
	roles := make([]string, len(a.RoleIDs))
	copy(roles, a.RoleIDs)
	return map[string]any{
		"id":     a.UserID,
		"roles":  roles,
		"member": a.IsMember,
		"admin":  a.IsAdmin,
	}
}

func proposalVars(step models.EvaluationStep, pc Context) map[string]any {
	authors := make([]string, len(pc.Authors))
	copy(authors, pc.Authors)
	return map[string]any{
		"id":        pc.ProposalID,
		"tenant_id": pc.TenantID,
		"authors":   authors,
		"step_id":   step.ID,
		"step_type": string(step.Type()),
	}
}
