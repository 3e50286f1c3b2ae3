package api

type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Session   string `json:"session,omitempty"`
}

type GenerateResponse struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	Created          int64  `json:"created"`
	Session          string `json:"session,omitempty"`
	Text             string `json:"text"`
	StopReason       string `json:"stop_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMS       int64  `json:"duration_ms"`
}

type ModelResponse struct {
	Object      string  `json:"object"`
	Name        string  `json:"name"`
	Arch        string  `json:"arch"`
	Path        string  `json:"path"`
	VocabSize   int     `json:"vocab_size"`
	Dim         int     `json:"dim"`
	Layers      int     `json:"layers"`
	Heads       int     `json:"heads"`
	KVHeads     int     `json:"kv_heads"`
	MaxPos      int     `json:"max_position"`
	RopeTheta   float64 `json:"rope_theta"`
	ContextSize int     `json:"context_size"`
	Bytes       int     `json:"bytes"`
	Size        string  `json:"size"`
	GPULayers   int     `json:"gpu_layers"`
	Contexts    int     `json:"contexts"`
	Sessions    int     `json:"sessions"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type SessionDeleted struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
