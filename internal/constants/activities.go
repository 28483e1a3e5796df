package constants

// Activity names used for workflow registration and execution.
const (
	// Planning and research
	PlanChapterQueriesActivity = "PlanChapterQueries"
	ResearchQueryActivity      = "ResearchQuery"
	GenerateOutlineActivity    = "GenerateOutline"

	// Writing
	WriteChapterActivity = "WriteChapter"

	// Progress events (fire-and-forget)
	EmitDocumentEventActivity = "EmitDocumentEvent"

	// Persistence (best-effort)
	PersistDocumentActivity = "PersistDocument"
)

// Workflow names.
const (
	DocumentWorkflowName = "DocumentWorkflow"
	ChapterWorkflowName  = "ChapterWorkflow"
)

// Query handler names.
const (
	DocumentProgressQuery = "document_progress"
	ChapterStateQuery     = "chapter_state"
)

// DefaultTaskQueue is the queue the worker polls when none is configured.
const DefaultTaskQueue = "longform-tasks"
