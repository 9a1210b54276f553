package model

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ProcessResponse struct {
	Raw      string `json:"raw"`
	Refined  string `json:"refined"`
	Response string `json:"response"`
}
