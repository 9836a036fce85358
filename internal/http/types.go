package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`

	// Collections maps each opened collection to its document count. A
	// count of -1 means the backend cannot report one.
	Collections map[string]int `json:"collections"`
}
