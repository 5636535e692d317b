package errors

// Convenience functions for the pipeline's error taxonomy

// Config errors

func ConfigNotFound(path string) *PipelineError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigInvalid(field, reason string) *PipelineError {
	return New(CategoryConfig, SeverityFatal, "invalid configuration").
		WithContext("field", field).
		WithContext("reason", reason)
}

func ValidationFailed(field, reason string) *PipelineError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// ClipAreaUnresolved is raised before any network or database work begins.
func ClipAreaUnresolved(name string) *PipelineError {
	return New(CategoryConfig, SeverityFatal, "clip area could not be resolved to a known region").
		WithContext("clip_area", name)
}

// BufferExpression names the dataset whose catalog buffer formula is unusable
// so an operator can fix the catalog entry.
func BufferExpression(dataset, expr string, cause error) *PipelineError {
	return Wrap(cause, CategoryConfig, SeverityFatal, "unparseable buffer expression for dataset "+dataset).
		WithContext("dataset", dataset).
		WithContext("expression", expr)
}

// Network errors

func NetworkError(url string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryNetwork, SeverityWarning, "network request failed").
		WithContext("url", url)
}

func CatalogUnavailable(url string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryCatalog, SeverityWarning, "catalog service unavailable").
		WithContext("url", url)
}

// Data-quality errors

func CorruptDownload(path string, cause error) *PipelineError {
	return Wrap(cause, CategoryDataQuality, SeverityWarning, "downloaded file failed validation").
		WithContext("path", path)
}

// Subprocess errors

func SubprocessFailed(command string, exitCode int, cause error) *PipelineError {
	return Wrap(cause, CategorySubprocess, SeverityFatal, "geometry conversion subprocess failed").
		WithContext("command", command).
		WithContext("exit_code", exitCode)
}

// OutOfMemory is the heuristic classification of a subprocess that died
// without reporting a parseable cause.
func OutOfMemory(command string, cause error) *PipelineError {
	return Wrap(cause, CategoryResource, SeverityFatal,
		"subprocess exited without reporting a cause, most likely out of memory: increase memory available to the build (or reduce workers)").
		WithContext("command", command)
}

// Store errors

func StoreError(operation string, cause error) *PipelineError {
	return Wrap(cause, CategoryStore, SeverityFatal, "spatial store operation failed").
		WithContext("operation", operation)
}

// Consistency errors

func ChildCountMismatch(artifact string, expected, actual int) *PipelineError {
	return New(CategoryConsistency, SeverityFatal, "amalgamation input count does not match registered children").
		WithContext("artifact", artifact).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

func MissingEssentialFile(path string) *PipelineError {
	return New(CategoryFileSystem, SeverityFatal, "essential file missing").
		WithContext("path", path)
}

// Internal errors

func InternalError(message string, cause error) *PipelineError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
