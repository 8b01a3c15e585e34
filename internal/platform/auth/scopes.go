package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// SMARTScope represents a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<operation>
// Examples: patient/Patient.read, user/Observation.write, system/*.rs
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", or "*"
}

// ParseSMARTScope parses a SMART v1 scope (read/write/*) or a v2 scope
// (a subset of "cruds"). v2 permissions are folded onto read and write.
//
// Returns an error for scopes that are not resource-level SMART scopes
// (e.g. "openid", "launch/patient").
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]

	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}

	resourceType := remainder[:dotIdx]
	operation := remainder[dotIdx+1:]
	if q := strings.Index(operation, "?"); q >= 0 {
		operation = operation[:q]
	}

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}

	op, err := normalizeOperation(operation)
	if err != nil {
		return nil, err
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    op,
	}, nil
}

func normalizeOperation(op string) (string, error) {
	switch op {
	case "read", "write", "*":
		return op, nil
	case "":
		return "", fmt.Errorf("empty operation")
	}
	var read, write bool
	for _, ch := range op {
		switch ch {
		case 'r', 's':
			read = true
		case 'c', 'u', 'd':
			write = true
		default:
			return "", fmt.Errorf("invalid operation %q: must be read, write, * or a subset of cruds", op)
		}
	}
	switch {
	case read && write:
		return "*", nil
	case write:
		return "write", nil
	}
	return "read", nil
}

// ParseSMARTScopes parses a space-separated scope string, returning only
// the valid SMART resource scopes.
func ParseSMARTScopes(scope string) []SMARTScope {
	var result []SMARTScope
	for _, s := range strings.Fields(scope) {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue // skip non-resource scopes
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows checks whether a list of SMART scopes grants access for the
// given resource type and operation.
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if !resourceMatches(s.ResourceType, resourceType) {
			continue
		}
		if !operationMatches(s.Operation, operation) {
			continue
		}
		return true
	}
	return false
}

func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func operationMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// OperationForRequest maps an HTTP method and FHIR path to a SMART scope
// operation. POST to .../_search is a read.
func OperationForRequest(method, path string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		if strings.HasSuffix(path, "/_search") {
			return "read"
		}
		return "write"
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return "write"
	}
	return "read"
}
