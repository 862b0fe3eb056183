// Package onnx runs the frozen base transformer through ONNX Runtime.
// It serves the inference path only: adapters must be merged into the
// exported graph (or the export must include them) before use here.
package onnx

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"minuet-go/minuet"
)

// ModelInfo describes the exported graph's fixed properties.
type ModelInfo struct {
	ContextLen int
	VocabSize  int
	HiddenDim  int
	PadTokenID int
	EOSTokenID int
}

// Runner is a minuet.BaseModel over an ONNX graph with the conventional
// "input_ids" -> "logits" signature.
type Runner struct {
	modelPath string
	info      ModelInfo
	threads   int
}

// NewRunner validates the model path and initializes the ONNX runtime
// environment once per process.
func NewRunner(modelPath string, info ModelInfo, threads int) (*Runner, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx model: %w", err)
	}
	if info.ContextLen <= 0 || info.VocabSize <= 0 || info.HiddenDim <= 0 {
		return nil, fmt.Errorf("%w: onnx model info incomplete", minuet.ErrInvalidConfig)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	if threads <= 0 {
		threads = 4
	}
	return &Runner{modelPath: modelPath, info: info, threads: threads}, nil
}

func (r *Runner) ContextLen() int { return r.info.ContextLen }
func (r *Runner) VocabSize() int  { return r.info.VocabSize }
func (r *Runner) HiddenDim() int  { return r.info.HiddenDim }
func (r *Runner) PadTokenID() int { return r.info.PadTokenID }
func (r *Runner) EOSTokenID() int { return r.info.EOSTokenID }

// Close releases the runtime environment.
func (r *Runner) Close() error {
	return ort.DestroyEnvironment()
}

// Forward runs each sequence through the graph and returns per-position
// logits. The hook must be nil: the exported graph is opaque, so adapter
// corrections have to be merged before export.
func (r *Runner) Forward(b *minuet.Batch, hook minuet.AdapterHook) ([][][]float64, error) {
	if hook != nil {
		return nil, fmt.Errorf("onnx runner cannot apply adapter hooks; merge adapters before export")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(r.threads); err != nil {
		return nil, fmt.Errorf("set threads: %w", err)
	}

	out := make([][][]float64, b.Size())
	for i := 0; i < b.Size(); i++ {
		n := b.Lengths[i]
		if n == 0 {
			out[i] = make([][]float64, len(b.TokenIDs[i]))
			continue
		}
		if n > r.info.ContextLen {
			return nil, fmt.Errorf("window length %d exceeds context %d", n, r.info.ContextLen)
		}

		rows, err := r.runSequence(b.TokenIDs[i][:n], options)
		if err != nil {
			return nil, err
		}
		padded := make([][]float64, len(b.TokenIDs[i]))
		copy(padded, rows)
		out[i] = padded
	}
	return out, nil
}

// runSequence executes one graph invocation for a single sequence.
func (r *Runner) runSequence(tokenIDs []int, options *ort.SessionOptions) ([][]float64, error) {
	n := len(tokenIDs)
	inputData := make([]int64, n)
	for j, id := range tokenIDs {
		inputData[j] = int64(id)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(n)), inputData)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputData := make([]float32, n*r.info.VocabSize)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(n), int64(r.info.VocabSize)), outputData)
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		r.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	logits := outputTensor.GetData()
	rows := make([][]float64, n)
	for t := 0; t < n; t++ {
		row := make([]float64, r.info.VocabSize)
		for v := 0; v < r.info.VocabSize; v++ {
			row[v] = float64(logits[t*r.info.VocabSize+v])
		}
		rows[t] = row
	}
	return rows, nil
}
