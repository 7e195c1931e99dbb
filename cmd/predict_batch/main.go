// Command predict_batch scores feature rows supplied as a JSON array on
// standard input and writes a JSON array of predictions to standard output.
// It is the integration point for external services: on any failure it
// emits exactly one {"error":true,"message":...} object and exits non-zero,
// so the caller can parse the outcome deterministically.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"attendcast/ml"
)

const defaultModelPath = "./models/attendance.model"

type errorPayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func main() {
	modelPath := flag.String("model_path", defaultModelPath, "model artifact path")
	flag.Parse()

	if v := os.Getenv("MODEL_PATH"); v != "" && *modelPath == defaultModelPath {
		*modelPath = v
	}

	os.Exit(run(os.Stdin, os.Stdout, *modelPath))
}

// run is the whole batch boundary; split out so tests can drive it with
// buffers. Returns the process exit code.
func run(in io.Reader, out io.Writer, modelPath string) int {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fail(out, fmt.Sprintf("failed to read stdin: %v", err))
	}

	// Empty input is not an error: emit an empty result set.
	if len(bytes.TrimSpace(payload)) == 0 {
		fmt.Fprintln(out, "[]")
		return 0
	}

	var rows []map[string]float64
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fail(out, fmt.Sprintf("invalid JSON input: %v", err))
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "[]")
		return 0
	}

	forest, err := ml.LoadForest(modelPath)
	if err != nil {
		return fail(out, err.Error())
	}

	predictions, err := ml.ScoreRows(forest, rows)
	if err != nil {
		return fail(out, err.Error())
	}

	if err := json.NewEncoder(out).Encode(predictions); err != nil {
		return fail(out, fmt.Sprintf("failed to encode output: %v", err))
	}
	return 0
}

func fail(out io.Writer, message string) int {
	json.NewEncoder(out).Encode(errorPayload{Error: true, Message: message})
	return 1
}
