package rule

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"crowdx/internal/service/campaign/domain"
)

// DefaultExpression admits every active campaign.
const DefaultExpression = "campaign.is_active"

// CELRule adapts a CEL expression over a campaign to domain.EligibilityRule.
// The expression sees one variable, campaign, with the fields
//
//	id, is_active, goal_amount, current_amount, like_count, view_count,
//	comment_count, donation_sum_24h, recruiter_saves, backer_count_24h,
//	hours_since_activity
//
// and must evaluate to a bool.
type CELRule struct {
	expr    string
	program cel.Program
}

// NewCELRule compiles expr once; a syntax or type error is reported here
// rather than on every evaluation.
func NewCELRule(expr string) (*CELRule, error) {
	if expr == "" {
		expr = DefaultExpression
	}
	env, err := cel.NewEnv(cel.Variable("campaign", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile eligibility rule %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("eligibility rule %q must return bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build eligibility rule %q: %w", expr, err)
	}
	return &CELRule{expr: expr, program: prg}, nil
}

func (r *CELRule) Expression() string { return r.expr }

func (r *CELRule) Eligible(c *domain.Campaign, now time.Time) (bool, error) {
	out, _, err := r.program.Eval(map[string]interface{}{"campaign": facts(c, now)})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility rule for campaign %d: %w", c.ID, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("eligibility rule returned %T, want bool", out.Value())
	}
	return ok, nil
}

func facts(c *domain.Campaign, now time.Time) map[string]interface{} {
	goal, _ := c.GoalAmount.Float64()
	current, _ := c.CurrentAmount.Float64()
	donations, _ := c.Engagement.DonationSum24h.Float64()
	return map[string]interface{}{
		"id":                   c.ID,
		"is_active":            c.IsActive,
		"goal_amount":          goal,
		"current_amount":       current,
		"like_count":           c.Engagement.Likes,
		"view_count":           c.Engagement.Views,
		"comment_count":        c.Engagement.Comments,
		"donation_sum_24h":     donations,
		"recruiter_saves":      c.Engagement.RecruiterSaves,
		"backer_count_24h":     c.Engagement.Backers24h,
		"hours_since_activity": domain.HoursSince(c.LastActivityAt, now),
	}
}
