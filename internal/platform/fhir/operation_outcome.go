package fhir

// OperationOutcome severity levels (FHIR R4).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this server.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
)

// IssueTypeForStatus picks the issue code that best describes an HTTP
// status returned to a FHIR client.
func IssueTypeForStatus(status int) string {
	switch {
	case status == 404:
		return IssueTypeNotFound
	case status == 409 || status == 412:
		return IssueTypeConflict
	case status == 401 || status == 403:
		return IssueTypeSecurity
	case status == 405 || status == 501:
		return IssueTypeNotSupported
	case status == 504:
		return IssueTypeTimeout
	case status >= 500:
		return IssueTypeException
	case status >= 400:
		return IssueTypeInvalid
	}
	return IssueTypeProcessing
}
