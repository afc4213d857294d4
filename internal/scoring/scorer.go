// Package scoring computes the confidence of an autonomous fix for an issue.
package scoring

import (
	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
)

// Score is the confidence together with the sub-scores it was built from
type Score struct {
	Confidence float64
	Factors    database.DecisionFactors
	// CriticalService is true when any affected service is policy-critical
	CriticalService bool
}

// Scorer is a pure function of its inputs and policy
type Scorer struct {
	policy   config.ScoringPolicy
	services config.ServicesPolicy
}

// NewScorer creates a scorer from the policy
func NewScorer(policy config.ScoringPolicy, services config.ServicesPolicy) *Scorer {
	return &Scorer{policy: policy, services: services}
}

// Score combines analysis confidence, historical success, technical complexity
// and business impact into a confidence in [0,1]. A nil stat means no history.
func (s *Scorer) Score(issue *database.Issue, analysis *database.AnalysisResult, stat *database.HistoricalStat) Score {
	analysisConfidence := 0.0
	if analysis != nil {
		analysisConfidence = clamp(analysis.Confidence)
	}

	successRate := s.policy.DefaultSuccessRate
	if stat != nil && stat.Samples > 0 {
		successRate = clamp(stat.SuccessRate)
	}

	complexity := s.ComplexityFactor(issue.AffectedServices)
	critical := s.affectsCriticalService(issue.AffectedServices)
	impact := s.BusinessImpactFactor(issue.Severity, critical)

	w := s.policy.Weights
	confidence := clamp(w.Analysis*analysisConfidence +
		w.History*successRate +
		w.Complexity*complexity +
		w.BusinessImpact*impact)

	return Score{
		Confidence: confidence,
		Factors: database.DecisionFactors{
			Severity:            SeverityScore(issue.Severity),
			BusinessImpact:      impact,
			BusinessImpactLevel: s.ImpactLevel(impact),
			TechnicalComplexity: complexity,
			HistoricalSuccess:   successRate,
		},
		CriticalService: critical,
	}
}

// ComplexityFactor is 1 for a single isolated service and decreases with every
// additional service and every known dependency edge between the affected services.
func (s *Scorer) ComplexityFactor(services database.StringList) float64 {
	if len(services) == 0 {
		return 1
	}
	deps := 0
	for _, svc := range services {
		for _, dep := range s.services.Dependencies[svc] {
			if services.Contains(dep) {
				deps++
			}
		}
	}
	penalty := s.policy.ServicePenalty*float64(len(services)-1) + s.policy.DependencyPenalty*float64(deps)
	return clamp(1 / (1 + penalty))
}

// BusinessImpactFactor is high when a fix is low-risk for the business
func (s *Scorer) BusinessImpactFactor(severity database.Severity, criticalService bool) float64 {
	f := s.policy.ImpactBySeverity
	var factor float64
	switch severity {
	case database.SeverityLow:
		factor = f.Low
	case database.SeverityMedium:
		factor = f.Medium
	case database.SeverityHigh:
		factor = f.High
	case database.SeverityCritical:
		factor = f.Critical
	default:
		factor = f.Medium
	}
	if criticalService {
		factor *= s.policy.CriticalServiceFactor
	}
	return clamp(factor)
}

// ImpactLevel buckets a business impact factor; a low factor means high impact
func (s *Scorer) ImpactLevel(factor float64) database.ImpactLevel {
	switch {
	case factor >= s.policy.LowImpactAt:
		return database.ImpactLow
	case factor >= s.policy.MediumImpactAt:
		return database.ImpactMedium
	default:
		return database.ImpactHigh
	}
}

func (s *Scorer) affectsCriticalService(services database.StringList) bool {
	return services.Intersects(s.services.Critical)
}

// SeverityScore maps severity onto [0,1] for reporting
func SeverityScore(severity database.Severity) float64 {
	return float64(severity.Rank()) / 4
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
