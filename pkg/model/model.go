// Package model declares the typed records of the test-health schema and the
// strict decoders that build them from materialized nodes. A narrowed select
// leaves unselected fields at their zero value; a stored value that does not
// fit its declared type is an error.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"testhealth/internal/materialize"
)

// TestFile is the per-file health summary row.
type TestFile struct {
	ID                string
	FilePath          string
	FileName          string
	FirstSeen         time.Time
	LastRun           *time.Time
	TotalRuns         int64
	AvgPassRate       float64
	CurrentPassRate   float64
	AvgDuration       float64
	AvgCoverage       float64
	LineCoverage      float64
	BranchCoverage    float64
	FlakyTests        int64
	TotalFixes        int64
	TotalTests        int64
	CriticalTests     int64
	HealthScore       HealthScore
	LastFailureReason *string
	Metadata          json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Executions  []*TestExecution
	Coverage    []*TestCoverage
	Fixes       []*TestFix
	Generations []*TestGeneration
	Analyses    []*TestAnalysis
	Sessions    []*AnalysisSession
}

// TestExecution is one recorded test run.
type TestExecution struct {
	ID           string
	TestFileID   string
	ExecutedAt   time.Time
	Passed       bool
	Duration     float64
	ErrorMessage *string
	TestResults  json.RawMessage
	Environment  string
	CommitHash   *string
	Performance  json.RawMessage

	TestFile *TestFile
}

// TestCoverage is one coverage measurement.
type TestCoverage struct {
	ID               string
	TestFileID       string
	MeasuredAt       time.Time
	CoveragePercent  float64
	LinesCovered     json.RawMessage
	LinesUncovered   json.RawMessage
	BranchCoverage   json.RawMessage
	FunctionCoverage json.RawMessage
	SuggestedAreas   json.RawMessage
	CoverageType     string

	TestFile *TestFile
}

// TestFix is one applied fix attempt.
type TestFix struct {
	ID              string
	TestFileID      string
	AppliedAt       time.Time
	FixType         FixType
	Problem         string
	Solution        string
	Successful      bool
	ConfidenceScore float64
	BeforeState     json.RawMessage
	AfterState      json.RawMessage
	PatternUsed     *string
	ImpactScore     *float64

	TestFile *TestFile
}

// TestGeneration is one generated-tests record.
type TestGeneration struct {
	ID                  string
	TestFileID          string
	GeneratedAt         time.Time
	GenerationType      GenerationType
	NewTests            json.RawMessage
	Accepted            bool
	TargetArea          string
	CoverageImprovement *float64
	GenerationStrategy  string
	Context             json.RawMessage

	TestFile *TestFile
}

// TestPattern is one entry in the test pattern knowledge base.
type TestPattern struct {
	ID          string
	PatternType PatternType
	Description string
	Context     json.RawMessage
	SuccessRate float64
	UsageCount  int64
	LastUsed    *time.Time
	CreatedAt   time.Time
}

// FixPattern is one entry in the fix pattern knowledge base.
type FixPattern struct {
	ID          string
	Problem     string
	Solution    string
	Context     json.RawMessage
	SuccessRate float64
	UsageCount  int64
	LastUsed    *time.Time
	CreatedAt   time.Time
}

// AnalysisSession is one analysis run over a set of files.
type AnalysisSession struct {
	ID         string
	StartedAt  time.Time
	EndedAt    *time.Time
	Status     SessionStatus
	Context    json.RawMessage
	Decisions  json.RawMessage
	Operations json.RawMessage

	Analyses []*TestAnalysis
	Files    []*TestFile
}

// TestAnalysis is one per-file analysis result inside a session.
type TestAnalysis struct {
	ID           string
	SessionID    string
	TestFileID   string
	Patterns     json.RawMessage
	AntiPatterns json.RawMessage
	Suggestions  json.RawMessage
	Context      json.RawMessage
	Timestamp    time.Time

	Session  *AnalysisSession
	TestFile *TestFile
}

// decoder pulls typed values out of one node, accumulating the first failure.
// Fields absent from the node (narrowed selects) read as zero values.
type decoder struct {
	entity string
	node   *materialize.Node
	err    error
}

func (d *decoder) fail(field string, v any, want string) {
	if d.err == nil {
		d.err = fmt.Errorf("decode %s.%s: %T is not %s", d.entity, field, v, want)
	}
}

func (d *decoder) str(field string) string {
	v := d.node.Values[field]
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, v, "a string")
		return ""
	}
	return s
}

func (d *decoder) optStr(field string) *string {
	v := d.node.Values[field]
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, v, "a string")
		return nil
	}
	return &s
}

func (d *decoder) i64(field string) int64 {
	v := d.node.Values[field]
	if v == nil {
		return 0
	}
	n, ok := v.(int64)
	if !ok {
		d.fail(field, v, "an integer")
		return 0
	}
	return n
}

func (d *decoder) f64(field string) float64 {
	v := d.node.Values[field]
	if v == nil {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		d.fail(field, v, "a float")
		return 0
	}
	return f
}

func (d *decoder) optF64(field string) *float64 {
	v := d.node.Values[field]
	if v == nil {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		d.fail(field, v, "a float")
		return nil
	}
	return &f
}

func (d *decoder) boolean(field string) bool {
	v := d.node.Values[field]
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.fail(field, v, "a bool")
		return false
	}
	return b
}

func (d *decoder) when(field string) time.Time {
	v := d.node.Values[field]
	if v == nil {
		return time.Time{}
	}
	t, ok := v.(time.Time)
	if !ok {
		d.fail(field, v, "a time")
		return time.Time{}
	}
	return t
}

func (d *decoder) optWhen(field string) *time.Time {
	v := d.node.Values[field]
	if v == nil {
		return nil
	}
	t, ok := v.(time.Time)
	if !ok {
		d.fail(field, v, "a time")
		return nil
	}
	return &t
}

func (d *decoder) raw(field string) json.RawMessage {
	v := d.node.Values[field]
	if v == nil {
		return nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		d.fail(field, v, "JSON")
		return nil
	}
	return raw
}

func enumIn[T ~string](d *decoder, field string, parse func(string) (T, error)) T {
	v := d.node.Values[field]
	if v == nil {
		var zero T
		return zero
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, v, "an enum string")
		var zero T
		return zero
	}
	parsed, err := parse(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("decode %s.%s: %w", d.entity, field, err)
	}
	return parsed
}

func decodeList[T any](nodes []*materialize.Node, fromNode func(*materialize.Node) (*T, error)) ([]*T, error) {
	if nodes == nil {
		return nil, nil
	}
	out := make([]*T, 0, len(nodes))
	for _, n := range nodes {
		item, err := fromNode(n)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func decodeOne[T any](nodes []*materialize.Node, fromNode func(*materialize.Node) (*T, error)) (*T, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	return fromNode(nodes[0])
}

// TestFileFromNode decodes a test file row and any attached relations.
func TestFileFromNode(n *materialize.Node) (*TestFile, error) {
	d := &decoder{entity: "TestFile", node: n}
	m := &TestFile{
		ID:                d.str("id"),
		FilePath:          d.str("filePath"),
		FileName:          d.str("fileName"),
		FirstSeen:         d.when("firstSeen"),
		LastRun:           d.optWhen("lastRun"),
		TotalRuns:         d.i64("totalRuns"),
		AvgPassRate:       d.f64("avgPassRate"),
		CurrentPassRate:   d.f64("currentPassRate"),
		AvgDuration:       d.f64("avgDuration"),
		AvgCoverage:       d.f64("avgCoverage"),
		LineCoverage:      d.f64("lineCoverage"),
		BranchCoverage:    d.f64("branchCoverage"),
		FlakyTests:        d.i64("flakyTests"),
		TotalFixes:        d.i64("totalFixes"),
		TotalTests:        d.i64("totalTests"),
		CriticalTests:     d.i64("criticalTests"),
		HealthScore:       enumIn(d, "healthScore", ParseHealthScore),
		LastFailureReason: d.optStr("lastFailureReason"),
		Metadata:          d.raw("metadata"),
		CreatedAt:         d.when("createdAt"),
		UpdatedAt:         d.when("updatedAt"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.Executions, err = decodeList(n.Children["executions"], TestExecutionFromNode); err != nil {
		return nil, err
	}
	if m.Coverage, err = decodeList(n.Children["coverage"], TestCoverageFromNode); err != nil {
		return nil, err
	}
	if m.Fixes, err = decodeList(n.Children["fixes"], TestFixFromNode); err != nil {
		return nil, err
	}
	if m.Generations, err = decodeList(n.Children["generations"], TestGenerationFromNode); err != nil {
		return nil, err
	}
	if m.Analyses, err = decodeList(n.Children["analyses"], TestAnalysisFromNode); err != nil {
		return nil, err
	}
	if m.Sessions, err = decodeList(n.Children["sessions"], AnalysisSessionFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestExecutionFromNode decodes one execution row.
func TestExecutionFromNode(n *materialize.Node) (*TestExecution, error) {
	d := &decoder{entity: "TestExecution", node: n}
	m := &TestExecution{
		ID:           d.str("id"),
		TestFileID:   d.str("testFileId"),
		ExecutedAt:   d.when("executedAt"),
		Passed:       d.boolean("passed"),
		Duration:     d.f64("duration"),
		ErrorMessage: d.optStr("errorMessage"),
		TestResults:  d.raw("testResults"),
		Environment:  d.str("environment"),
		CommitHash:   d.optStr("commitHash"),
		Performance:  d.raw("performance"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.TestFile, err = decodeOne(n.Children["testFile"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestCoverageFromNode decodes one coverage row.
func TestCoverageFromNode(n *materialize.Node) (*TestCoverage, error) {
	d := &decoder{entity: "TestCoverage", node: n}
	m := &TestCoverage{
		ID:               d.str("id"),
		TestFileID:       d.str("testFileId"),
		MeasuredAt:       d.when("measuredAt"),
		CoveragePercent:  d.f64("coveragePercent"),
		LinesCovered:     d.raw("linesCovered"),
		LinesUncovered:   d.raw("linesUncovered"),
		BranchCoverage:   d.raw("branchCoverage"),
		FunctionCoverage: d.raw("functionCoverage"),
		SuggestedAreas:   d.raw("suggestedAreas"),
		CoverageType:     d.str("coverageType"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.TestFile, err = decodeOne(n.Children["testFile"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestFixFromNode decodes one fix row.
func TestFixFromNode(n *materialize.Node) (*TestFix, error) {
	d := &decoder{entity: "TestFix", node: n}
	m := &TestFix{
		ID:              d.str("id"),
		TestFileID:      d.str("testFileId"),
		AppliedAt:       d.when("appliedAt"),
		FixType:         enumIn(d, "fixType", ParseFixType),
		Problem:         d.str("problem"),
		Solution:        d.str("solution"),
		Successful:      d.boolean("successful"),
		ConfidenceScore: d.f64("confidenceScore"),
		BeforeState:     d.raw("beforeState"),
		AfterState:      d.raw("afterState"),
		PatternUsed:     d.optStr("patternUsed"),
		ImpactScore:     d.optF64("impactScore"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.TestFile, err = decodeOne(n.Children["testFile"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestGenerationFromNode decodes one generation row.
func TestGenerationFromNode(n *materialize.Node) (*TestGeneration, error) {
	d := &decoder{entity: "TestGeneration", node: n}
	m := &TestGeneration{
		ID:                  d.str("id"),
		TestFileID:          d.str("testFileId"),
		GeneratedAt:         d.when("generatedAt"),
		GenerationType:      enumIn(d, "generationType", ParseGenerationType),
		NewTests:            d.raw("newTests"),
		Accepted:            d.boolean("accepted"),
		TargetArea:          d.str("targetArea"),
		CoverageImprovement: d.optF64("coverageImprovement"),
		GenerationStrategy:  d.str("generationStrategy"),
		Context:             d.raw("context"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.TestFile, err = decodeOne(n.Children["testFile"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestPatternFromNode decodes one test pattern row.
func TestPatternFromNode(n *materialize.Node) (*TestPattern, error) {
	d := &decoder{entity: "TestPattern", node: n}
	m := &TestPattern{
		ID:          d.str("id"),
		PatternType: enumIn(d, "patternType", ParsePatternType),
		Description: d.str("description"),
		Context:     d.raw("context"),
		SuccessRate: d.f64("successRate"),
		UsageCount:  d.i64("usageCount"),
		LastUsed:    d.optWhen("lastUsed"),
		CreatedAt:   d.when("createdAt"),
	}
	return m, d.err
}

// FixPatternFromNode decodes one fix pattern row.
func FixPatternFromNode(n *materialize.Node) (*FixPattern, error) {
	d := &decoder{entity: "FixPattern", node: n}
	m := &FixPattern{
		ID:          d.str("id"),
		Problem:     d.str("problem"),
		Solution:    d.str("solution"),
		Context:     d.raw("context"),
		SuccessRate: d.f64("successRate"),
		UsageCount:  d.i64("usageCount"),
		LastUsed:    d.optWhen("lastUsed"),
		CreatedAt:   d.when("createdAt"),
	}
	return m, d.err
}

// AnalysisSessionFromNode decodes one session row.
func AnalysisSessionFromNode(n *materialize.Node) (*AnalysisSession, error) {
	d := &decoder{entity: "AnalysisSession", node: n}
	m := &AnalysisSession{
		ID:         d.str("id"),
		StartedAt:  d.when("startedAt"),
		EndedAt:    d.optWhen("endedAt"),
		Status:     enumIn(d, "status", ParseSessionStatus),
		Context:    d.raw("context"),
		Decisions:  d.raw("decisions"),
		Operations: d.raw("operations"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.Analyses, err = decodeList(n.Children["analyses"], TestAnalysisFromNode); err != nil {
		return nil, err
	}
	if m.Files, err = decodeList(n.Children["files"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}

// TestAnalysisFromNode decodes one analysis row.
func TestAnalysisFromNode(n *materialize.Node) (*TestAnalysis, error) {
	d := &decoder{entity: "TestAnalysis", node: n}
	m := &TestAnalysis{
		ID:           d.str("id"),
		SessionID:    d.str("sessionId"),
		TestFileID:   d.str("testFileId"),
		Patterns:     d.raw("patterns"),
		AntiPatterns: d.raw("antiPatterns"),
		Suggestions:  d.raw("suggestions"),
		Context:      d.raw("context"),
		Timestamp:    d.when("timestamp"),
	}
	if d.err != nil {
		return nil, d.err
	}
	var err error
	if m.Session, err = decodeOne(n.Children["session"], AnalysisSessionFromNode); err != nil {
		return nil, err
	}
	if m.TestFile, err = decodeOne(n.Children["testFile"], TestFileFromNode); err != nil {
		return nil, err
	}
	return m, nil
}
