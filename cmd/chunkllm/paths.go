package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const envModelDir = "CHUNKLLM_MODEL_DIR"

// resolveModelDir picks the model directory from the flag (or config file
// value already applied to it) and then the environment.
func resolveModelDir(flagValue string) (string, error) {
	dir := strings.TrimSpace(flagValue)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envModelDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model-dir is required unless %s is set", envModelDir)
	}
	st, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("model path is not a directory: %s", dir)
	}
	return filepath.Clean(dir), nil
}

// parseTokens reads a comma or whitespace separated list of token ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		if v < 0 {
			return nil, fmt.Errorf("token id %d is negative", v)
		}
		out = append(out, v)
	}
	return out, nil
}

func toInts(vs []int64) []int {
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(v)
	}
	return out
}
