package scan

import (
	"strings"
)

// Bottom-up estimation: per-entity hour tables by complexity, percentage
// multipliers on base hours, migration effort per 100 nodes, fixed
// additional effort, PM overhead and a risk buffer on top.

var estimationTable = map[string]map[string]float64{
	"content_type":    {"simple": 3, "medium": 6, "complex": 12},
	"paragraph":       {"simple": 1.5, "medium": 3.5, "complex": 6},
	"taxonomy":        {"simple": 1.5, "medium": 3, "complex": 6},
	"media_type":      {"simple": 1.5, "medium": 3, "complex": 3.5},
	"view":            {"simple": 3, "medium": 6, "complex": 12},
	"webform":         {"simple": 3, "medium": 6, "complex": 12},
	"block":           {"simple": 1.5, "medium": 3, "complex": 6},
	"custom_module":   {"simple": 12, "medium": 28, "complex": 70},
	"theme_component": {"simple": 3, "medium": 6, "complex": 12},
}

const (
	migrationBaseSetupHours = 30
	migrationHoursPer100    = 10
	infrastructureSetup     = 60
	trainingHandover        = 30
	pmPercentage            = 0.18
)

var migrationMultipliers = map[string]float64{
	"simple":  1.0,
	"medium":  2.0,
	"complex": 3.5,
}

var bufferPercentages = map[string]float64{
	"low":    0.15,
	"medium": 0.20,
	"high":   0.25,
}

// Entity is one inventoried build item with an assessed complexity.
type Entity struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Complexity string `json:"complexity"`
}

// Migration describes the content migration scope.
type Migration struct {
	Nodes      int    `json:"nodes"`
	Complexity string `json:"complexity"`
}

// EntityInventory is the aggregated output of the inventory synthesis step
// and the input to estimation.
type EntityInventory struct {
	ProjectName string             `json:"project_name"`
	Entities    []Entity           `json:"entities"`
	Multipliers map[string]float64 `json:"multipliers"` // e.g. testing: 0.25
	Migration   Migration          `json:"migration"`
	RiskLevel   string             `json:"risk_level"`
	Assumptions []string           `json:"assumptions,omitempty"`
	Risks       []string           `json:"risks,omitempty"`
}

// EntityEstimate is the per-entity line of the breakdown.
type EntityEstimate struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Complexity string  `json:"complexity"`
	Hours      float64 `json:"hours"`
}

// EstimationResult is the complete project estimate.
type EstimationResult struct {
	BaseHours          float64            `json:"base_hours"`
	MultiplierHours    float64            `json:"multiplier_hours"`
	MigrationHours     float64            `json:"migration_hours"`
	AdditionalHours    float64            `json:"additional_hours"`
	Subtotal           float64            `json:"subtotal"`
	BufferHours        float64            `json:"buffer_hours"`
	TotalHours         float64            `json:"total_hours"`
	EntityBreakdown    []EntityEstimate   `json:"entity_breakdown"`
	MultipliersApplied map[string]float64 `json:"multipliers_applied"`
	Assumptions        []string           `json:"assumptions"`
	Risks              []string           `json:"risks"`
}

// Estimate computes the bottom-up estimate for an inventory. Unknown entity
// types and complexities contribute zero hours rather than failing the step.
func Estimate(inv EntityInventory) EstimationResult {
	var base float64
	breakdown := make([]EntityEstimate, 0, len(inv.Entities))
	for _, ent := range inv.Entities {
		complexity := strings.ToLower(ent.Complexity)
		if complexity == "" {
			complexity = "medium"
		}
		hours := estimationTable[ent.Type][complexity]
		breakdown = append(breakdown, EntityEstimate{
			Name:       ent.Name,
			Type:       ent.Type,
			Complexity: complexity,
			Hours:      hours,
		})
		base += hours
	}

	var multiplierHours float64
	applied := make(map[string]float64, len(inv.Multipliers))
	for key, pct := range inv.Multipliers {
		hours := base * pct
		applied[key] = hours
		multiplierHours += hours
	}

	migrationHours := migrationEffort(inv.Migration)

	// PM overhead is computed on the subtotal before the risk buffer.
	beforePM := base + multiplierHours + migrationHours + infrastructureSetup + trainingHandover
	pmHours := beforePM * pmPercentage
	additional := infrastructureSetup + trainingHandover + pmHours
	subtotal := beforePM + pmHours

	risk := strings.ToLower(inv.RiskLevel)
	bufferPct, ok := bufferPercentages[risk]
	if !ok {
		bufferPct = bufferPercentages["medium"]
	}
	bufferHours := subtotal * bufferPct

	assumptions := inv.Assumptions
	if len(assumptions) == 0 {
		assumptions = []string{
			"Requirements are clearly defined",
			"Team has platform experience",
			"Standard development practices followed",
			"No major scope changes expected",
		}
	}
	risks := inv.Risks
	if len(risks) == 0 {
		risks = []string{
			"Requirements may evolve during development",
			"Migration complexity may be higher than assessed",
			"Third-party integrations may require additional effort",
		}
	}

	return EstimationResult{
		BaseHours:          base,
		MultiplierHours:    multiplierHours,
		MigrationHours:     migrationHours,
		AdditionalHours:    additional,
		Subtotal:           subtotal,
		BufferHours:        bufferHours,
		TotalHours:         subtotal + bufferHours,
		EntityBreakdown:    breakdown,
		MultipliersApplied: applied,
		Assumptions:        assumptions,
		Risks:              risks,
	}
}

func migrationEffort(m Migration) float64 {
	if m.Nodes == 0 {
		return 0
	}
	complexity := strings.ToLower(m.Complexity)
	multiplier, ok := migrationMultipliers[complexity]
	if !ok {
		multiplier = migrationMultipliers["medium"]
	}
	nodeHours := float64(m.Nodes) / 100 * migrationHoursPer100 * multiplier
	return migrationBaseSetupHours + nodeHours
}

// CostSummary prices an estimate at a blended hourly rate and projects
// delivery timelines at three staffing levels.
type CostSummary struct {
	TotalHours  float64            `json:"total_hours"`
	HourlyRate  float64            `json:"hourly_rate"`
	TotalCost   float64            `json:"total_cost"`
	WeeksByPace map[string]float64 `json:"weeks_by_pace"`
}

const blendedHourlyRate = 110

// SummarizeCost derives the cost view of an estimate.
func SummarizeCost(est EstimationResult) CostSummary {
	return CostSummary{
		TotalHours: est.TotalHours,
		HourlyRate: blendedHourlyRate,
		TotalCost:  est.TotalHours * blendedHourlyRate,
		WeeksByPace: map[string]float64{
			"full_time": est.TotalHours / 40,
			"realistic": est.TotalHours / 30,
			"part_time": est.TotalHours / 20,
		},
	}
}
