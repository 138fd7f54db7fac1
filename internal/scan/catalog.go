// Package scan defines the pipeline catalogs: which expert steps make up
// each scan type, how result sections map back to owning experts, and the
// synthesis steps that aggregate expert output into deliverables.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jreinhardt/bidpilot/internal/pipeline"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// Phases, for grouping in clients.
const (
	PhaseDiscovery = "discovery"
	PhaseSynthesis = "synthesis"
)

const defaultExpertTimeout = 2 * time.Minute

// Catalog binds one job type to its step registry and section map.
type Catalog struct {
	JobType  string
	Registry *pipeline.Registry
	// Sections maps client-facing result section ids to the owning expert.
	Sections map[string]string
}

// ResolveSections maps requested section ids to owning experts and expands
// the set with every synthesis step that depends on them, so a selective
// re-run never skips downstream aggregators. Unknown section ids fail.
func (c *Catalog) ResolveSections(sectionIDs []string) ([]string, error) {
	if len(sectionIDs) == 0 {
		return nil, fmt.Errorf("no sections requested")
	}
	seen := make(map[string]bool)
	var experts []string
	for _, id := range sectionIDs {
		expert, ok := c.Sections[id]
		if !ok {
			return nil, fmt.Errorf("unknown section %q", id)
		}
		if !seen[expert] {
			seen[expert] = true
			experts = append(experts, expert)
		}
	}
	return c.Registry.DependentsClosure(experts), nil
}

// NewCatalogs builds the catalogs for every job type against one expert
// provider. Called once at startup; registration failures panic there.
func NewCatalogs(provider models.ExpertProvider) map[string]*Catalog {
	return map[string]*Catalog{
		models.JobTypeQuickScan: newQuickScan(provider),
		models.JobTypeDeepScan:  newDeepScan(provider),
		models.JobTypePrequal:   newPrequal(provider),
		models.JobTypeAuditScan: newAuditScan(provider),
	}
}

// deepScanExperts are the independent discovery agents of a deep scan. They
// share no dependencies and run as one parallel wave.
var deepScanExperts = []string{
	"company_profile",
	"tech_stack",
	"content_inventory",
	"seo_health",
	"accessibility",
	"performance",
	"security_posture",
	"legal_compliance",
	"design_system",
	"integrations",
	"hosting_infra",
	"analytics_tracking",
	"migration_sources",
}

func newDeepScan(provider models.ExpertProvider) *Catalog {
	reg := pipeline.NewRegistry()
	for _, name := range deepScanExperts {
		reg.MustRegister(expertStep(provider, name, PhaseDiscovery, nil))
	}

	reg.MustRegister(expertStep(provider, "entity_inventory", PhaseSynthesis,
		[]string{"content_inventory", "design_system", "integrations", "migration_sources"}))
	reg.MustRegister(pipeline.Step{
		Name:      "project_estimate",
		DependsOn: []string{"entity_inventory"},
		Phase:     PhaseSynthesis,
		Timeout:   30 * time.Second,
		Run:       estimateStep,
	})
	reg.MustRegister(pipeline.Step{
		Name:      "cost_summary",
		DependsOn: []string{"project_estimate"},
		Phase:     PhaseSynthesis,
		Timeout:   30 * time.Second,
		Run:       costStep,
	})
	reg.MustRegister(expertStep(provider, "decision", PhaseSynthesis,
		[]string{"project_estimate", "company_profile", "security_posture"}))

	return &Catalog{
		JobType:  models.JobTypeDeepScan,
		Registry: reg,
		Sections: map[string]string{
			"overview":      "company_profile",
			"technology":    "tech_stack",
			"content":       "content_inventory",
			"seo":           "seo_health",
			"accessibility": "accessibility",
			"performance":   "performance",
			"security":      "security_posture",
			"legal":         "legal_compliance",
			"design":        "design_system",
			"integrations":  "integrations",
			"hosting":       "hosting_infra",
			"analytics":     "analytics_tracking",
			"migration":     "migration_sources",
			"entities":      "entity_inventory",
			"estimate":      "project_estimate",
			"costs":         "cost_summary",
			"decision":      "decision",
		},
	}
}

func newQuickScan(provider models.ExpertProvider) *Catalog {
	reg := pipeline.NewRegistry()
	for _, name := range []string{"company_profile", "tech_stack", "seo_health"} {
		reg.MustRegister(expertStep(provider, name, PhaseDiscovery, nil))
	}
	reg.MustRegister(expertStep(provider, "fit_summary", PhaseSynthesis,
		[]string{"company_profile", "tech_stack", "seo_health"}))

	return &Catalog{
		JobType:  models.JobTypeQuickScan,
		Registry: reg,
		Sections: map[string]string{
			"overview":   "company_profile",
			"technology": "tech_stack",
			"seo":        "seo_health",
			"summary":    "fit_summary",
		},
	}
}

func newPrequal(provider models.ExpertProvider) *Catalog {
	reg := pipeline.NewRegistry()
	reg.MustRegister(expertStep(provider, "requirement_extraction", PhaseDiscovery, nil))
	reg.MustRegister(expertStep(provider, "capability_match", PhaseDiscovery,
		[]string{"requirement_extraction"}))
	reg.MustRegister(expertStep(provider, "risk_assessment", PhaseDiscovery,
		[]string{"requirement_extraction"}))
	reg.MustRegister(pipeline.Step{
		Name:      "clarification",
		DependsOn: []string{"requirement_extraction"},
		Phase:     PhaseDiscovery,
		Timeout:   defaultExpertTimeout,
		Run:       clarificationStep(provider),
	})
	reg.MustRegister(expertStep(provider, "routing_recommendation", PhaseSynthesis,
		[]string{"capability_match", "risk_assessment", "clarification"}))

	return &Catalog{
		JobType:  models.JobTypePrequal,
		Registry: reg,
		Sections: map[string]string{
			"requirements": "requirement_extraction",
			"capabilities": "capability_match",
			"risks":        "risk_assessment",
			"routing":      "routing_recommendation",
		},
	}
}

func newAuditScan(provider models.ExpertProvider) *Catalog {
	reg := pipeline.NewRegistry()
	for _, name := range []string{"consistency_check", "compliance_check", "tone_check"} {
		reg.MustRegister(expertStep(provider, name, PhaseDiscovery, nil))
	}
	reg.MustRegister(expertStep(provider, "audit_report", PhaseSynthesis,
		[]string{"consistency_check", "compliance_check", "tone_check"}))

	return &Catalog{
		JobType:  models.JobTypeAuditScan,
		Registry: reg,
		Sections: map[string]string{
			"consistency": "consistency_check",
			"compliance":  "compliance_check",
			"tone":        "tone_check",
			"report":      "audit_report",
		},
	}
}

// expertStep builds a step that invokes the named expert. Synthesis steps
// receive the aggregated upstream outputs as Prior.
func expertStep(provider models.ExpertProvider, name, phase string, deps []string) pipeline.Step {
	return pipeline.Step{
		Name:      name,
		DependsOn: deps,
		Phase:     phase,
		Timeout:   defaultExpertTimeout,
		Run: func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Output, error) {
			subject, ok := rc.Input.(*models.Subject)
			if !ok {
				return pipeline.Output{}, fmt.Errorf("step %s: input is not a subject", name)
			}
			req := models.ExpertRequest{Expert: name, Subject: *subject, Answer: rc.Answer}
			if len(deps) > 0 {
				prior, err := json.Marshal(rc.Outputs())
				if err != nil {
					return pipeline.Output{}, fmt.Errorf("step %s: marshal prior outputs: %w", name, err)
				}
				req.Prior = prior
			}
			res, err := provider.Invoke(ctx, req)
			if err != nil {
				return pipeline.Output{}, err
			}
			return pipeline.Output{Data: res.Output, Confidence: SectionConfidence(res)}, nil
		},
	}
}

// clarificationStep asks the provider whether the extracted requirements
// need a human answer. Without one it pauses the run; on resume the answer
// is folded into the expert call.
func clarificationStep(provider models.ExpertProvider) pipeline.StepFunc {
	return func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Output, error) {
		subject, ok := rc.Input.(*models.Subject)
		if !ok {
			return pipeline.Output{}, fmt.Errorf("step clarification: input is not a subject")
		}
		prior, err := json.Marshal(rc.Outputs())
		if err != nil {
			return pipeline.Output{}, fmt.Errorf("step clarification: marshal prior outputs: %w", err)
		}
		res, err := provider.Invoke(ctx, models.ExpertRequest{
			Expert:  "clarification",
			Subject: *subject,
			Prior:   prior,
			Answer:  rc.Answer,
		})
		if err != nil {
			return pipeline.Output{}, err
		}

		var verdict struct {
			NeedsInput bool   `json:"needs_input"`
			Question   string `json:"question"`
		}
		if err := json.Unmarshal(res.Output, &verdict); err == nil && verdict.NeedsInput && rc.Answer == "" {
			return pipeline.Output{}, &pipeline.PauseError{Question: verdict.Question}
		}
		return pipeline.Output{Data: res.Output, Confidence: SectionConfidence(res)}, nil
	}
}

// estimateStep turns the entity inventory into a bottom-up project
// estimate. Pure computation, no provider call.
func estimateStep(_ context.Context, rc *pipeline.RunContext) (pipeline.Output, error) {
	res, ok := rc.Result("entity_inventory")
	if !ok || !res.Success {
		return pipeline.Output{}, fmt.Errorf("step project_estimate: entity inventory unavailable")
	}
	var inv EntityInventory
	if err := json.Unmarshal(res.Output, &inv); err != nil {
		return pipeline.Output{}, fmt.Errorf("step project_estimate: decode inventory: %w", err)
	}
	est := Estimate(inv)
	data, err := json.Marshal(est)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("step project_estimate: encode estimate: %w", err)
	}
	// Deterministic computation inherits the inventory's confidence.
	return pipeline.Output{Data: data, Confidence: res.Confidence}, nil
}

func costStep(_ context.Context, rc *pipeline.RunContext) (pipeline.Output, error) {
	res, ok := rc.Result("project_estimate")
	if !ok || !res.Success {
		return pipeline.Output{}, fmt.Errorf("step cost_summary: project estimate unavailable")
	}
	var est EstimationResult
	if err := json.Unmarshal(res.Output, &est); err != nil {
		return pipeline.Output{}, fmt.Errorf("step cost_summary: decode estimate: %w", err)
	}
	data, err := json.Marshal(SummarizeCost(est))
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("step cost_summary: encode summary: %w", err)
	}
	return pipeline.Output{Data: data, Confidence: res.Confidence}, nil
}

// SectionConfidence aggregates an expert result's confidence for display:
// the rounded mean of evidence-chunk scores when retrieval was involved,
// otherwise the expert's self-reported score. Clamped to [0, 100].
func SectionConfidence(res models.ExpertResult) int {
	conf := res.Confidence
	if len(res.Evidence) > 0 {
		sum := 0
		for _, chunk := range res.Evidence {
			sum += chunk.Confidence
		}
		conf = int(math.Round(float64(sum) / float64(len(res.Evidence))))
	}
	if conf < 0 {
		return 0
	}
	if conf > 100 {
		return 100
	}
	return conf
}
