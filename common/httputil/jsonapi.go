package httputil

import "net/http"

// JSONAPIResource represents a single JSON:API resource.
type JSONAPIResource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes interface{}       `json:"attributes"`
	Links      map[string]string `json:"links,omitempty"`
}

// JSONAPIErrorObject represents a single JSON:API error.
type JSONAPIErrorObject struct {
	Status int               `json:"status,omitempty"`
	Code   string            `json:"code,omitempty"`
	Title  string            `json:"title,omitempty"`
	Detail string            `json:"detail,omitempty"`
	Source map[string]string `json:"source,omitempty"`
}

// WriteJSONAPIResource writes a single resource document.
//
// Example:
//
//	httputil.WriteJSONAPIResource(w, http.StatusOK, "incident", inc.ID, inc)
func WriteJSONAPIResource(w http.ResponseWriter, status int, resourceType, id string, attributes interface{}) {
	WriteJSONAPI(w, status, map[string]interface{}{
		"data": JSONAPIResource{Type: resourceType, ID: id, Attributes: attributes},
	})
}

// WriteJSONAPICollection writes a collection document. A non-nil pagination
// adds meta.pagination with a computed total_pages.
func WriteJSONAPICollection(w http.ResponseWriter, status int, resources []JSONAPIResource, pagination *Pagination) {
	if resources == nil {
		resources = []JSONAPIResource{}
	}
	response := map[string]interface{}{"data": resources}

	if pagination != nil {
		totalPages := 0
		if pagination.Limit > 0 {
			totalPages = (pagination.Total + pagination.Limit - 1) / pagination.Limit
		}
		response["meta"] = map[string]interface{}{
			"pagination": map[string]interface{}{
				"page":        pagination.Page,
				"limit":       pagination.Limit,
				"total":       pagination.Total,
				"total_pages": totalPages,
			},
		}
	}

	WriteJSONAPI(w, status, response)
}

// WriteJSONAPIErrorResponse writes a document with several errors.
func WriteJSONAPIErrorResponse(w http.ResponseWriter, status int, errors []JSONAPIErrorObject) {
	WriteJSONAPI(w, status, map[string]interface{}{"errors": errors})
}

// NewJSONAPIError creates a single JSON:API error object.
func NewJSONAPIError(status int, code, title, detail string) JSONAPIErrorObject {
	return JSONAPIErrorObject{Status: status, Code: code, Title: title, Detail: detail}
}

// WriteJSONAPIValidationError writes a 400 validation error.
func WriteJSONAPIValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, "validation_failed", "Validation Failed", detail)
}

// WriteJSONAPINotFoundError writes a 404 for the given resource type and id.
func WriteJSONAPINotFoundError(w http.ResponseWriter, resourceType, id string) {
	WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found",
		"The requested "+resourceType+" with ID '"+id+"' was not found")
}

// WriteJSONAPIUnauthorizedError writes a 401.
func WriteJSONAPIUnauthorizedError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

// WriteJSONAPIForbiddenError writes a 403.
func WriteJSONAPIForbiddenError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusForbidden, "forbidden", "Forbidden", detail)
}

// WriteJSONAPIMethodNotAllowed writes a 405.
func WriteJSONAPIMethodNotAllowed(w http.ResponseWriter) {
	WriteJSONAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "")
}

// WriteJSONAPIInternalError writes a 500. Log the underlying error before calling it.
func WriteJSONAPIInternalError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}

// WriteJSONAPIUnavailableError writes a 503 for a disabled or unreachable backend.
func WriteJSONAPIUnavailableError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusServiceUnavailable, "service_unavailable", "Service Unavailable", detail)
}
