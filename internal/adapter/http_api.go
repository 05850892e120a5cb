/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/policy"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// HTTPAPIAdapter calls a remote coding-agent API directly, gated by
// PolicyGuard.check_egress on the target host before every request (spec
// §4.5: "http_api models" route through "direct allow-listed HTTP" instead
// of SandboxRunner). Grounded in the teacher's gateway/handler.go upstream
// client construction, retargeted from proxying inbound chat-completions
// traffic to making outbound agent-API calls.
type HTTPAPIAdapter struct {
	id          string
	caps        map[core.Capability]bool
	cost        core.CostModel
	endpoint    *url.URL
	client      *http.Client
	guard       *policy.Guard
	profileName string
	profileVer  int
	costCache   *CostCache
}

// NewHTTPAPIAdapter constructs an HTTPAPIAdapter targeting endpoint.
func NewHTTPAPIAdapter(id string, caps map[core.Capability]bool, cost core.CostModel, endpoint string, guard *policy.Guard, profileName string, profileVer int) (*HTTPAPIAdapter, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("adapter: parse endpoint: %w", err)
	}
	return &HTTPAPIAdapter{
		id:          id,
		caps:        caps,
		cost:        cost,
		endpoint:    u,
		client:      &http.Client{Timeout: 2 * time.Minute},
		guard:       guard,
		profileName: profileName,
		profileVer:  profileVer,
		costCache:   NewCostCache(CostCacheConfig{Enabled: true}),
	}, nil
}

func (a *HTTPAPIAdapter) ID() string                             { return a.id }
func (a *HTTPAPIAdapter) Capabilities() map[core.Capability]bool { return a.caps }

// EstimateCost mirrors CLIPtyAdapter's purity contract: derived arithmetic
// only, no network call.
func (a *HTTPAPIAdapter) EstimateCost(ctx context.Context, phase core.Phase, contextDigest string) (CostEstimate, error) {
	key := CostCacheKey(a.id, string(phase), contextDigest)
	if cached, ok := a.costCache.Get(key); ok {
		return cached, nil
	}
	tokensIn := int64(len(contextDigest)) * 4
	tokensOut := tokensIn / 2
	estimate := CostEstimate{
		CostUSD:  float64(tokensIn)*a.cost.InputCostPerToken + float64(tokensOut)*a.cost.OutputCostPerToken,
		WallTime: 30 * time.Second,
	}
	a.costCache.Put(key, estimate)
	return estimate, nil
}

func (a *HTTPAPIAdapter) Propose(ctx context.Context, phase core.Phase, taskCtx TaskCtx, priorFeedback string) (PhaseOutcome, error) {
	return a.call(ctx, phase, taskCtx, priorFeedback)
}

func (a *HTTPAPIAdapter) Refine(ctx context.Context, phase core.Phase, feedback string) (PhaseOutcome, error) {
	return a.call(ctx, phase, TaskCtx{}, feedback)
}

type httpRequest struct {
	Phase              string   `json:"phase"`
	Goal               string   `json:"goal"`
	CommitSHA          string   `json:"commit_sha"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Feedback           string   `json:"feedback,omitempty"`
}

func (a *HTTPAPIAdapter) call(ctx context.Context, phase core.Phase, taskCtx TaskCtx, feedback string) (PhaseOutcome, error) {
	cp, ok := a.guard.Resolve(a.profileName, a.profileVer)
	if !ok {
		return PhaseOutcome{}, taskerr.New(taskerr.InternalBug, "unresolved policy profile "+a.profileName)
	}
	decision := a.guard.CheckEgress(ctx, taskCtx.TaskID, cp, a.endpoint.Hostname())
	if !decision.Allowed {
		return PhaseOutcome{Classification: ClassFailedPermanent}, policy.AsTaskError(decision)
	}

	body, err := json.Marshal(httpRequest{
		Phase:              string(phase),
		Goal:               taskCtx.Goal,
		CommitSHA:          taskCtx.CommitSHA,
		AcceptanceCriteria: taskCtx.AcceptanceCriteria,
		Feedback:           feedback,
	})
	if err != nil {
		return PhaseOutcome{}, fmt.Errorf("adapter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.Wrap(taskerr.AdapterTransient, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.Wrap(taskerr.AdapterTransient, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return PhaseOutcome{Classification: ClassFailedTransient}, taskerr.New(taskerr.AdapterTransient, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.New(taskerr.AdapterPermanent, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	var out cliResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.Wrap(taskerr.AdapterPermanent, "malformed response", err)
	}
	classification := Classification(strings.ToUpper(out.Classification))
	if classification == "" {
		return PhaseOutcome{Classification: ClassFailedPermanent}, taskerr.New(taskerr.AdapterPermanent, "missing classification")
	}
	if out.PatchSet != nil {
		writeDecision := a.guard.CheckWrite(ctx, taskCtx.TaskID, cp, out.PatchSet.TouchedPaths())
		if !writeDecision.Allowed {
			return PhaseOutcome{Classification: ClassFailedPermanent}, policy.AsTaskError(writeDecision)
		}
	}
	return PhaseOutcome{
		Classification: classification,
		PatchSet:       out.PatchSet,
		Plan:           out.Plan,
		TestReport:     out.TestReport,
		ReviewReport:   out.ReviewReport,
		CommitMessage:  out.CommitMessage,
		DeployRecord:   out.DeployRecord,
		CostActual:     out.CostActual,
		TokensIn:       out.TokensIn,
		TokensOut:      out.TokensOut,
	}, nil
}
