package schema

// Entity, enum, and relation names for the test-health telemetry schema.
// Callers use these constants instead of raw strings when addressing the registry.
const (
	EntityTestFile        = "TestFile"
	EntityTestExecution   = "TestExecution"
	EntityTestCoverage    = "TestCoverage"
	EntityTestFix         = "TestFix"
	EntityTestGeneration  = "TestGeneration"
	EntityTestPattern     = "TestPattern"
	EntityFixPattern      = "FixPattern"
	EntityAnalysisSession = "AnalysisSession"
	EntityTestAnalysis    = "TestAnalysis"

	EnumHealthScore    = "HealthScore"
	EnumFixType        = "FixType"
	EnumGenerationType = "GenerationType"
	EnumSessionStatus  = "SessionStatus"
	EnumPatternType    = "PatternType"

	// SessionFilesTable is the junction backing AnalysisSession <-> TestFile.
	SessionFilesTable = "analysis_session_files"
)

func baseEnums() []Enum {
	return []Enum{
		{Name: EnumHealthScore, Values: []string{"EXCELLENT", "GOOD", "FAIR", "POOR", "CRITICAL"}},
		{Name: EnumFixType, Values: []string{"ASSERTION", "SETUP", "TEARDOWN", "ASYNC", "MOCK", "TIMING", "DEPENDENCY", "LOGIC", "OTHER"}},
		{Name: EnumGenerationType, Values: []string{"COVERAGE_GAP", "ENHANCEMENT", "REGRESSION", "EDGE_CASE"}},
		{Name: EnumPatternType, Values: []string{"FLAKY", "TIMING", "ASSERTION", "SETUP", "ISOLATION", "OTHER"}},
	}
}

func baseEntities() []Entity {
	return []Entity{
		{
			Name: EntityTestFile,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "filePath", Kind: KindString},
				{Name: "fileName", Kind: KindString},
				{Name: "firstSeen", Kind: KindTime, Default: DefaultNow},
				{Name: "lastRun", Kind: KindTime, Nullable: true},
				{Name: "totalRuns", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "avgPassRate", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "currentPassRate", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "avgDuration", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "avgCoverage", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "lineCoverage", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "branchCoverage", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "flakyTests", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "totalFixes", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "totalTests", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "criticalTests", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "healthScore", Kind: KindEnum, Enum: EnumHealthScore, Default: DefaultLiteral, DefaultValue: "GOOD"},
				{Name: "lastFailureReason", Kind: KindString, Nullable: true},
				{Name: "metadata", Kind: KindJSON, Nullable: true},
				{Name: "createdAt", Kind: KindTime, Default: DefaultNow},
				{Name: "updatedAt", Kind: KindTime, Default: DefaultNow},
			},
			Relations: []Relation{
				{Name: "executions", Kind: OneToMany, Target: EntityTestExecution, ForeignKeyField: "testFileId", OnDelete: Cascade},
				{Name: "coverage", Kind: OneToMany, Target: EntityTestCoverage, ForeignKeyField: "testFileId", OnDelete: Cascade},
				{Name: "fixes", Kind: OneToMany, Target: EntityTestFix, ForeignKeyField: "testFileId", OnDelete: Cascade},
				{Name: "generations", Kind: OneToMany, Target: EntityTestGeneration, ForeignKeyField: "testFileId", OnDelete: Cascade},
			},
			UniqueKeys: []UniqueKey{
				{Name: "filePath", Fields: []string{"filePath"}},
			},
		},
		{
			Name: EntityTestExecution,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "testFileId", Kind: KindString},
				{Name: "executedAt", Kind: KindTime, Default: DefaultNow},
				{Name: "passed", Kind: KindBool},
				{Name: "duration", Kind: KindFloat},
				{Name: "errorMessage", Kind: KindString, Nullable: true},
				{Name: "testResults", Kind: KindJSON},
				{Name: "environment", Kind: KindString, Default: DefaultLiteral, DefaultValue: "local"},
				{Name: "commitHash", Kind: KindString, Nullable: true},
				{Name: "performance", Kind: KindJSON, Nullable: true},
			},
			Relations: []Relation{
				{Name: "testFile", Kind: ManyToOne, Target: EntityTestFile, ForeignKeyField: "testFileId"},
			},
		},
		{
			Name: EntityTestCoverage,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "testFileId", Kind: KindString},
				{Name: "measuredAt", Kind: KindTime, Default: DefaultNow},
				{Name: "coveragePercent", Kind: KindFloat},
				{Name: "linesCovered", Kind: KindJSON},
				{Name: "linesUncovered", Kind: KindJSON},
				{Name: "branchCoverage", Kind: KindJSON, Nullable: true},
				{Name: "functionCoverage", Kind: KindJSON, Nullable: true},
				{Name: "suggestedAreas", Kind: KindJSON, Nullable: true},
				{Name: "coverageType", Kind: KindString, Default: DefaultLiteral, DefaultValue: "line"},
			},
			Relations: []Relation{
				{Name: "testFile", Kind: ManyToOne, Target: EntityTestFile, ForeignKeyField: "testFileId"},
			},
		},
		{
			Name: EntityTestFix,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "testFileId", Kind: KindString},
				{Name: "appliedAt", Kind: KindTime, Default: DefaultNow},
				{Name: "fixType", Kind: KindEnum, Enum: EnumFixType},
				{Name: "problem", Kind: KindString},
				{Name: "solution", Kind: KindString},
				{Name: "successful", Kind: KindBool},
				{Name: "confidenceScore", Kind: KindFloat},
				{Name: "beforeState", Kind: KindJSON},
				{Name: "afterState", Kind: KindJSON},
				{Name: "patternUsed", Kind: KindString, Nullable: true},
				{Name: "impactScore", Kind: KindFloat, Nullable: true},
			},
			Relations: []Relation{
				{Name: "testFile", Kind: ManyToOne, Target: EntityTestFile, ForeignKeyField: "testFileId"},
			},
		},
		{
			Name: EntityTestGeneration,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "testFileId", Kind: KindString},
				{Name: "generatedAt", Kind: KindTime, Default: DefaultNow},
				{Name: "generationType", Kind: KindEnum, Enum: EnumGenerationType},
				{Name: "newTests", Kind: KindJSON},
				{Name: "accepted", Kind: KindBool, Default: DefaultLiteral, DefaultValue: false},
				{Name: "targetArea", Kind: KindString},
				{Name: "coverageImprovement", Kind: KindFloat, Nullable: true},
				{Name: "generationStrategy", Kind: KindString},
				{Name: "context", Kind: KindJSON},
			},
			Relations: []Relation{
				{Name: "testFile", Kind: ManyToOne, Target: EntityTestFile, ForeignKeyField: "testFileId"},
			},
		},
		{
			Name: EntityTestPattern,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "patternType", Kind: KindEnum, Enum: EnumPatternType},
				{Name: "description", Kind: KindString},
				{Name: "context", Kind: KindJSON},
				{Name: "successRate", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "usageCount", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "lastUsed", Kind: KindTime, Nullable: true},
				{Name: "createdAt", Kind: KindTime, Default: DefaultNow},
			},
		},
		{
			Name: EntityFixPattern,
			Fields: []Field{
				{Name: "id", Kind: KindString, Default: DefaultUUID},
				{Name: "problem", Kind: KindString},
				{Name: "solution", Kind: KindString},
				{Name: "context", Kind: KindJSON},
				{Name: "successRate", Kind: KindFloat, Default: DefaultLiteral, DefaultValue: 0.0},
				{Name: "usageCount", Kind: KindInt, Default: DefaultLiteral, DefaultValue: 0},
				{Name: "lastUsed", Kind: KindTime, Nullable: true},
				{Name: "createdAt", Kind: KindTime, Default: DefaultNow},
			},
		},
	}
}

// TestHealth returns the base telemetry schema: test files plus their
// append-only execution, coverage, fix, and generation facts, and the
// standalone pattern knowledge base.
func TestHealth() (*Schema, error) {
	return New(baseEnums(), baseEntities())
}

// TestHealthWithAnalysis extends the base schema with analysis sessions,
// per-file analysis results, and the session<->file membership junction.
// The extension is additive: every base entity, field, and relation is
// unchanged, so existing filter and mutation call sites keep working.
func TestHealthWithAnalysis() (*Schema, error) {
	base, err := TestHealth()
	if err != nil {
		return nil, err
	}
	sessionJunction := Junction{
		Table:        SessionFilesTable,
		LocalColumn:  "session_id",
		RemoteColumn: "test_file_id",
	}
	fileJunction := Junction{
		Table:        SessionFilesTable,
		LocalColumn:  "test_file_id",
		RemoteColumn: "session_id",
	}
	return base.Extend(
		[]Enum{
			{Name: EnumSessionStatus, Values: []string{"ACTIVE", "PAUSED", "COMPLETED", "FAILED"}},
		},
		[]Entity{
			{
				Name: EntityAnalysisSession,
				Fields: []Field{
					{Name: "id", Kind: KindString, Default: DefaultUUID},
					{Name: "startedAt", Kind: KindTime, Default: DefaultNow},
					{Name: "endedAt", Kind: KindTime, Nullable: true},
					{Name: "status", Kind: KindEnum, Enum: EnumSessionStatus, Default: DefaultLiteral, DefaultValue: "ACTIVE"},
					{Name: "context", Kind: KindJSON, Nullable: true},
					{Name: "decisions", Kind: KindJSON},
					{Name: "operations", Kind: KindJSON},
				},
				Relations: []Relation{
					{Name: "analyses", Kind: OneToMany, Target: EntityTestAnalysis, ForeignKeyField: "sessionId", OnDelete: Cascade},
					{Name: "files", Kind: ManyToMany, Target: EntityTestFile, Junction: sessionJunction, OnDelete: Cascade},
				},
			},
			{
				Name: EntityTestAnalysis,
				Fields: []Field{
					{Name: "id", Kind: KindString, Default: DefaultUUID},
					{Name: "sessionId", Kind: KindString},
					{Name: "testFileId", Kind: KindString},
					{Name: "patterns", Kind: KindJSON},
					{Name: "antiPatterns", Kind: KindJSON},
					{Name: "suggestions", Kind: KindJSON},
					{Name: "context", Kind: KindJSON},
					{Name: "timestamp", Kind: KindTime, Default: DefaultNow},
				},
				Relations: []Relation{
					{Name: "session", Kind: ManyToOne, Target: EntityAnalysisSession, ForeignKeyField: "sessionId"},
					{Name: "testFile", Kind: ManyToOne, Target: EntityTestFile, ForeignKeyField: "testFileId"},
				},
			},
		},
		map[string][]Relation{
			EntityTestFile: {
				{Name: "analyses", Kind: OneToMany, Target: EntityTestAnalysis, ForeignKeyField: "testFileId", OnDelete: Cascade},
				{Name: "sessions", Kind: ManyToMany, Target: EntityAnalysisSession, Junction: fileJunction, OnDelete: Cascade},
			},
		},
	)
}
