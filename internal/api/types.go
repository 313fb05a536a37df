package api

import "github.com/samcharles93/chunkllm/internal/pipeline"

// PredictionRequest is the body of POST /v1/predictions. Omitted limits fall
// back to the server defaults.
type PredictionRequest struct {
	Tokens       []int `json:"tokens"`
	MaxNewTokens *int  `json:"max_new_tokens,omitempty"`
	EOSTokenIDs  []int `json:"eos_token_ids,omitempty"`
	Stream       bool  `json:"stream,omitempty"`
}

// Finish reasons.
const (
	FinishEOS    = "eos"
	FinishLength = "length"
)

type PredictionResponse struct {
	ID           string                `json:"id"`
	Object       string                `json:"object"`
	CreatedAt    int64                 `json:"created_at"`
	Predictions  []pipeline.Prediction `json:"predictions"`
	Tokens       []int                 `json:"tokens"`
	FinishReason string                `json:"finish_reason,omitempty"`
	Stats        pipeline.Stats        `json:"stats"`
	Error        *ResponseError        `json:"error,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stage   *int   `json:"stage,omitempty"`
}

type PipelineResponse struct {
	Object string                    `json:"object"`
	Dir    string                    `json:"dir"`
	Prefix string                    `json:"prefix"`
	Loaded bool                      `json:"loaded"`
	Config *pipeline.InferenceConfig `json:"config,omitempty"`
	Stages []pipeline.StageInfo      `json:"stages"`
	Stats  pipeline.Stats            `json:"stats"`
}

// streamEvent is one server-sent event of a streamed prediction.
type streamEvent struct {
	Type           string               `json:"type"`
	SequenceNumber int                  `json:"sequence_number"`
	Prediction     *pipeline.Prediction `json:"prediction,omitempty"`
	Response       *PredictionResponse  `json:"response,omitempty"`
}
