package api

import "github.com/samcharles93/hisr/internal/swin"

// ForwardRequest carries one batch of images, row-major with shape
// [B, in_chans, img_size, img_size].
type ForwardRequest struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	// Store keeps the result retrievable by id; defaults to true.
	Store *bool `json:"store,omitempty"`
}

type ForwardResponse struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	CreatedAt int64     `json:"created_at"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

type ModelInfo struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	Config      swin.ModelConfig `json:"config"`
	Params      int              `json:"params"`
	FLOPs       int64            `json:"flops"`
	InputShape  []int            `json:"input_shape"`
	OutputShape []int            `json:"output_shape"`
	Backend     string           `json:"backend"`
	Workers     int              `json:"workers"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
