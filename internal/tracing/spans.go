package tracing

// Span attribute keys used across the orchestrator.
const (
	AttrTaskID       = "task.id"
	AttrTaskType     = "task.type"
	AttrTaskPriority = "task.priority"
	AttrRetryCount   = "task.retry_count"

	AttrContainerID = "worker.container_id"
	AttrExitCode    = "worker.exit_code"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixQueue  = "queue."
	SpanPrefixWorker = "worker."
)
