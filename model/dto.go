package model

// PersonDetection is one kept detection. Index is the position in the
// unfiltered detector output.
type PersonDetection struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Index      int       `json:"index"`
}

type PredictionResponse struct {
	NumPeople int               `json:"num_people"`
	People    []PersonDetection `json:"people"`
	Msg       string            `json:"msg"`
	ImageURL  string            `json:"image_url"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Model   string `json:"model"`
	Loaded  bool   `json:"loaded"`
}
