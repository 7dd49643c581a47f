package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through ctx.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldBatch     = "batch" // 1-based batch number
	FieldKind      = "kind"  // ccu, extension, price, steamprice
	FieldComponent = "component"
	FieldSource    = "source"
	FieldAppID     = "app_id"
	FieldCurrency  = "currency"
	FieldTabID     = "tab_id"
)

// Metric fields, attached per call through Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size" // bytes
	FieldStatus     = "status"
)
