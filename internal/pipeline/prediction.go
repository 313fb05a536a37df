package pipeline

import "time"

// Latency is the timing of one generation step.
type Latency struct {
	Step   time.Duration   `json:"step"`
	Stages []time.Duration `json:"stages"`
	Logits time.Duration   `json:"logits"`
}

// Prediction is one element of a prediction sequence. Tokens is a fresh
// slice on every element. Replayed prompt tokens carry no Latency.
type Prediction struct {
	Token   int      `json:"token"`
	Tokens  []int    `json:"tokens"`
	Latency *Latency `json:"latency,omitempty"`
	Replay  bool     `json:"replay"`
}
