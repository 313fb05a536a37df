package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/chunkllm/internal/pipeline"
)

// fakePipeline yields one prediction per scripted token. Tokens listed in
// eos end the sequence.
type fakePipeline struct {
	notLoaded bool
	script    []int
	failAfter int
	failErr   error

	gotTokens []int
	gotMax    int
	gotEOS    []int
}

func (p *fakePipeline) Predict(ctx context.Context, tokens []int, maxNew int, eos []int) (iter.Seq2[pipeline.Prediction, error], error) {
	if p.notLoaded {
		return nil, pipeline.ErrNotLoaded
	}
	p.gotTokens, p.gotMax, p.gotEOS = tokens, maxNew, eos
	return func(yield func(pipeline.Prediction, error) bool) {
		running := append([]int(nil), tokens...)
		for i, tok := range p.script {
			if i == maxNew {
				return
			}
			if p.failErr != nil && i == p.failAfter {
				yield(pipeline.Prediction{}, p.failErr)
				return
			}
			running = append(running, tok)
			pred := pipeline.Prediction{Token: tok, Tokens: append([]int(nil), running...), Latency: &pipeline.Latency{}}
			if !yield(pred, nil) {
				return
			}
			for _, e := range eos {
				if e == tok {
					return
				}
			}
		}
	}, nil
}

func (p *fakePipeline) Config() (pipeline.InferenceConfig, bool) {
	if p.notLoaded {
		return pipeline.InferenceConfig{}, false
	}
	return pipeline.InferenceConfig{InputLength: 8, CacheLength: 32, VocabSize: 256}, true
}

func (p *fakePipeline) Stages() []pipeline.StageInfo {
	return []pipeline.StageInfo{{Index: 0, Name: "m_chunk0.mlmodelc", State: "loaded"}}
}

func (p *fakePipeline) Stats() pipeline.Stats { return pipeline.Stats{Buffers: 3, BufferBytes: 96} }
func (p *fakePipeline) Dir() string           { return "/models/m" }
func (p *fakePipeline) Prefix() string        { return "m_" }

func newTestEcho(p Pipeline, opts ServerOptions) *echo.Echo {
	server := NewServer(p, opts)
	server.newID = func() string { return "pred_test" }
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreatePrediction(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{script: []int{5, 6, 2, 9}}
	e := newTestEcho(p, ServerOptions{MaxNewTokens: 16, EOSTokenIDs: []int{2}})

	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1,3]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "pred_test" || resp.Object != "prediction" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if len(resp.Predictions) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(resp.Predictions))
	}
	if got := resp.Tokens; len(got) != 5 || got[4] != 2 {
		t.Fatalf("unexpected tokens %v", got)
	}
	if resp.FinishReason != FinishEOS {
		t.Fatalf("finish reason: got %q", resp.FinishReason)
	}
	if resp.Stats.Buffers != 3 {
		t.Fatalf("stats not reported: %+v", resp.Stats)
	}
	if p.gotMax != 16 || len(p.gotEOS) != 1 {
		t.Fatalf("server defaults not applied: max=%d eos=%v", p.gotMax, p.gotEOS)
	}
}

func TestCreatePredictionOverridesDefaults(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{script: []int{5, 6, 2, 9}}
	e := newTestEcho(p, ServerOptions{MaxNewTokens: 16, EOSTokenIDs: []int{2}})

	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1],"max_new_tokens":2,"eos_token_ids":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Predictions) != 2 || resp.FinishReason != FinishLength {
		t.Fatalf("got %d predictions finish=%q", len(resp.Predictions), resp.FinishReason)
	}
	if p.gotMax != 2 || len(p.gotEOS) != 0 {
		t.Fatalf("overrides not applied: max=%d eos=%v", p.gotMax, p.gotEOS)
	}
}

func TestCreatePredictionValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakePipeline{}, ServerOptions{})
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"tokens":`, "invalid_request_error"},
		{"unknown field", `{"tokens":[1],"prompt":"hi"}`, "prompt"},
		{"empty tokens", `{"tokens":[]}`, "tokens is required"},
		{"negative token", `{"tokens":[1,-4]}`, "non-negative"},
		{"negative max", `{"tokens":[1],"max_new_tokens":-1}`, "max_new_tokens"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/predictions", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(strings.ToLower(rec.Body.String()), tc.want) {
				t.Fatalf("body %s does not mention %q", rec.Body.String(), tc.want)
			}
		})
	}
}

func TestCreatePredictionNotLoaded(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakePipeline{notLoaded: true}, ServerOptions{})
	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz: expected 503, got %d", rec.Code)
	}
}

func TestCreatePredictionStageFailure(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{
		script:    []int{5, 6, 7},
		failAfter: 1,
		failErr:   &pipeline.StageError{Index: 2, Err: errors.New("boom")},
	}
	e := newTestEcho(p, ServerOptions{MaxNewTokens: 8})
	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Type != "stage_error" || resp.Error.Stage == nil || *resp.Error.Stage != 2 {
		t.Fatalf("unexpected error payload: %+v", resp.Error)
	}
	if len(resp.Predictions) != 1 {
		t.Fatalf("partial predictions lost: %d", len(resp.Predictions))
	}
}

func readEvents(t *testing.T, body io.Reader) []streamEvent {
	t.Helper()
	var events []streamEvent
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestCreatePredictionStream(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakePipeline{script: []int{5, 6, 7}}, ServerOptions{})
	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1],"max_new_tokens":3,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	events := readEvents(t, rec.Body)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, ev := range events[:3] {
		if ev.Type != "prediction.delta" || ev.Prediction == nil || ev.SequenceNumber != i+1 {
			t.Fatalf("event %d: %+v", i, ev)
		}
	}
	last := events[3]
	if last.Type != "prediction.completed" || last.Response == nil || len(last.Response.Tokens) != 4 {
		t.Fatalf("terminal event: %+v", last)
	}
}

func TestCreatePredictionStreamFailure(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{script: []int{5, 6}, failAfter: 1, failErr: errors.New("boom")}
	e := newTestEcho(p, ServerOptions{MaxNewTokens: 4})
	rec := doJSON(t, e, http.MethodPost, "/v1/predictions", `{"tokens":[1],"stream":true}`)

	events := readEvents(t, rec.Body)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[1]
	if last.Type != "prediction.failed" || last.Response.Error == nil || last.Response.Error.Message != "boom" {
		t.Fatalf("terminal event: %+v", last)
	}
}

func TestPipelineInfo(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakePipeline{}, ServerOptions{})
	rec := doJSON(t, e, http.MethodGet, "/v1/pipeline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp PipelineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Loaded || resp.Config == nil || resp.Config.InputLength != 8 {
		t.Fatalf("config missing: %+v", resp)
	}
	if resp.Prefix != "m_" || len(resp.Stages) != 1 {
		t.Fatalf("unexpected pipeline info: %+v", resp)
	}

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsMountedWhenConfigured(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakePipeline{}, ServerOptions{})
	if rec := doJSON(t, e, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "chunkllm_interval_seconds_count 1\n")
	})
	e = newTestEcho(&fakePipeline{}, ServerOptions{Metrics: h})
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chunkllm_interval_seconds") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}
