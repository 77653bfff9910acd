package collab

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coachlens/coachlens/internal/analysis"
)

// HTTPPlanGate asks the plan/billing service whether a plan tier may run an
// analysis type. Expected endpoint:
//
//	GET {base}/v1/plans/{tier}/entitlements/{analysis_type} -> {"allowed": bool}
type HTTPPlanGate struct {
	httpClient
}

// NewHTTPPlanGate returns a gate backed by the service at base.
func NewHTTPPlanGate(base string, timeout time.Duration) *HTTPPlanGate {
	return &HTTPPlanGate{httpClient: newHTTPClient(base, timeout)}
}

// Allows reports whether tier is entitled to run typ.
func (g *HTTPPlanGate) Allows(ctx context.Context, tier analysis.PlanTier, typ analysis.Type) (bool, error) {
	u := fmt.Sprintf("%s/v1/plans/%s/entitlements/%s",
		g.base, url.PathEscape(string(tier)), url.PathEscape(string(typ)))

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := g.doJSON(ctx, "GET", u, nil, &resp); err != nil {
		return false, fmt.Errorf("collab: plan gate: %w", err)
	}
	return resp.Allowed, nil
}

// StaticPlanGate applies the built-in entitlement matrix without a billing
// service: free runs correction only, pro adds competency, enterprise runs
// everything.
type StaticPlanGate struct{}

// Allows implements the plan gate against the built-in matrix.
func (StaticPlanGate) Allows(_ context.Context, tier analysis.PlanTier, typ analysis.Type) (bool, error) {
	switch typ {
	case analysis.TypeCorrection:
		return true, nil
	case analysis.TypeCompetency:
		return tier == analysis.PlanPro || tier == analysis.PlanEnterprise, nil
	case analysis.TypeInsight:
		return tier == analysis.PlanEnterprise, nil
	}
	return false, nil
}
