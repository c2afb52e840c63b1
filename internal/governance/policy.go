package governance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Role is a workspace capability level. Higher roles include the lower ones.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:  1,
	RoleMember:  2,
	RoleManager: 3,
	RoleAdmin:   4,
}

// Satisfies reports whether r grants at least the required role.
// An empty requirement is always satisfied; an unknown role satisfies nothing.
func (r Role) Satisfies(required Role) bool {
	if required == "" {
		return true
	}
	need, ok := roleRank[Role(strings.ToLower(string(required)))]
	if !ok {
		return false
	}
	return roleRank[Role(strings.ToLower(string(r)))] >= need
}

// Request contains the context of a step invocation to be evaluated.
type Request struct {
	Tool         string
	Action       string
	Arguments    string
	SessionID    string
	UserID       string
	Role         Role
	RequiredRole Role
	// Confirm marks a destructive step; Acknowledged says the user confirmed it explicitly.
	Confirm      bool
	Acknowledged bool
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// DeniedError is returned to the engine when a step is refused.
type DeniedError struct {
	Tool   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied %s: %s", e.Tool, e.Reason)
}

// PolicyEngine evaluates step invocations against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine gates by role, denied tools and denied argument patterns.
type DefaultPolicyEngine struct {
	DeniedTools map[string]bool
	DeniedRegex []*regexp.Regexp
	// ToolRoles raises the minimum role for a tool regardless of what the plan declares.
	ToolRoles map[string]Role
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
		ToolRoles:   make(map[string]Role),
	}
}

func (e *DefaultPolicyEngine) DenyTool(name string) {
	e.DeniedTools[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) RequireRole(tool string, role Role) {
	e.ToolRoles[tool] = role
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedTools[req.Tool] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' is restricted by system policy", req.Tool),
		}, nil
	}

	if !req.Role.Satisfies(req.RequiredRole) {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Role '%s' cannot run steps requiring '%s'", req.Role, req.RequiredRole),
		}, nil
	}
	if floor, ok := e.ToolRoles[req.Tool]; ok && !req.Role.Satisfies(floor) {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Tool '%s' requires role '%s'", req.Tool, floor),
		}, nil
	}

	if req.Confirm && !req.Acknowledged {
		return Result{
			Effect: EffectDeny,
			Reason: "Step requires explicit confirmation",
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
