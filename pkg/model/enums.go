package model

import "fmt"

// HealthScore grades a test file's overall health.
type HealthScore string

const (
	HealthExcellent HealthScore = "EXCELLENT"
	HealthGood      HealthScore = "GOOD"
	HealthFair      HealthScore = "FAIR"
	HealthPoor      HealthScore = "POOR"
	HealthCritical  HealthScore = "CRITICAL"
)

// FixType classifies an applied test fix.
type FixType string

const (
	FixAssertion  FixType = "ASSERTION"
	FixSetup      FixType = "SETUP"
	FixTeardown   FixType = "TEARDOWN"
	FixAsync      FixType = "ASYNC"
	FixMock       FixType = "MOCK"
	FixTiming     FixType = "TIMING"
	FixDependency FixType = "DEPENDENCY"
	FixLogic      FixType = "LOGIC"
	FixOther      FixType = "OTHER"
)

// GenerationType classifies why generated tests were produced.
type GenerationType string

const (
	GenerationCoverageGap GenerationType = "COVERAGE_GAP"
	GenerationEnhancement GenerationType = "ENHANCEMENT"
	GenerationRegression  GenerationType = "REGRESSION"
	GenerationEdgeCase    GenerationType = "EDGE_CASE"
)

// PatternType classifies a recognized failure pattern.
type PatternType string

const (
	PatternFlaky     PatternType = "FLAKY"
	PatternTiming    PatternType = "TIMING"
	PatternAssertion PatternType = "ASSERTION"
	PatternSetup     PatternType = "SETUP"
	PatternIsolation PatternType = "ISOLATION"
	PatternOther     PatternType = "OTHER"
)

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
)

func parseEnum[T ~string](name, raw string, members ...T) (T, error) {
	for _, m := range members {
		if string(m) == raw {
			return m, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%q is not a %s", raw, name)
}

// ParseHealthScore validates a stored health score value.
func ParseHealthScore(raw string) (HealthScore, error) {
	return parseEnum("HealthScore", raw, HealthExcellent, HealthGood, HealthFair, HealthPoor, HealthCritical)
}

// ParseFixType validates a stored fix type value.
func ParseFixType(raw string) (FixType, error) {
	return parseEnum("FixType", raw, FixAssertion, FixSetup, FixTeardown, FixAsync, FixMock, FixTiming, FixDependency, FixLogic, FixOther)
}

// ParseGenerationType validates a stored generation type value.
func ParseGenerationType(raw string) (GenerationType, error) {
	return parseEnum("GenerationType", raw, GenerationCoverageGap, GenerationEnhancement, GenerationRegression, GenerationEdgeCase)
}

// ParsePatternType validates a stored pattern type value.
func ParsePatternType(raw string) (PatternType, error) {
	return parseEnum("PatternType", raw, PatternFlaky, PatternTiming, PatternAssertion, PatternSetup, PatternIsolation, PatternOther)
}

// ParseSessionStatus validates a stored session status value.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	return parseEnum("SessionStatus", raw, SessionActive, SessionPaused, SessionCompleted, SessionFailed)
}
