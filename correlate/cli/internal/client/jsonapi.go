package client

// resource is a single JSON:API resource with typed attributes.
type resource[T any] struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes T      `json:"attributes"`
}

// jsonAPIResponse holds the error list of a failed response.
type jsonAPIResponse struct {
	Errors []jsonAPIError `json:"errors,omitempty"`
}

// jsonAPIError represents a JSON:API error object.
type jsonAPIError struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
