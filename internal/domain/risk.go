package domain

import "github.com/qshe-platform/be-patrol-engine/internal/apperrors"

// RiskScore computes the 4x4 matrix score. Likelihood and severity must be
// in [1,4].
func RiskScore(likelihood, severity int) (int, error) {
	if likelihood < 1 || likelihood > 4 {
		return 0, apperrors.InvalidInput("likelihood", "must be between 1 and 4")
	}
	if severity < 1 || severity > 4 {
		return 0, apperrors.InvalidInput("severity", "must be between 1 and 4")
	}
	return likelihood * severity, nil
}

// RiskLevelForScore maps a matrix score to a risk level.
// Thresholds: 12 and 16 are extremely high, 9 is high, 3..8 medium, else low.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 12:
		return RiskExtremelyHigh
	case score >= 9:
		return RiskHigh
	case score >= 3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RecommendedActionForScore maps a matrix score to the recommended response.
func RecommendedActionForScore(score int) RecommendedAction {
	switch {
	case score >= 12:
		return RecommendStopWork
	case score >= 9:
		return RecommendMitigate
	case score >= 3:
		return RecommendControl
	default:
		return RecommendMonitor
	}
}
