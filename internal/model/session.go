package model

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Options controls how the ONNX Runtime environment and session are set up.
type Options struct {
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath string
	// Threads caps intra-op parallelism; 0 leaves the runtime default.
	Threads int
}

// Session runs a pretrained classification network. Tensors are allocated
// per call, so Run is safe to use from concurrent requests.
type Session struct {
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
	log      *zap.Logger
}

func NewSession(modelPath, metadataPath string, opts Options, log *zap.Logger) (*Session, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file %s (run scripts/export_resnet50.py): %w", modelPath, err)
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if opts.Threads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			ort.DestroyEnvironment()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		sessionOpts)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	log.Info("model loaded",
		zap.String("path", modelPath),
		zap.Int("classes", len(metadata.Classes)),
		zap.Int64s("input_shape", metadata.InputShape))

	return &Session{
		session:  session,
		Metadata: metadata,
		log:      log,
	}, nil
}

// Labels returns the class vocabulary in output order.
func (s *Session) Labels() []string {
	return s.Metadata.Classes
}

// Run feeds one preprocessed NCHW batch through the network and returns the
// raw logits.
func (s *Session) Run(input []float32) ([]float32, error) {
	if len(input) != s.Metadata.InputSize() {
		return nil, fmt.Errorf("expected %d input values, got %d", s.Metadata.InputSize(), len(input))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(s.Metadata.InputShape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// The tensor's backing memory is freed on Destroy.
	out := make([]float32, len(outputTensor.GetData()))
	copy(out, outputTensor.GetData())
	return out, nil
}

func (s *Session) Close() {
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			s.log.Warn("failed to destroy session", zap.Error(err))
		}
	}
	if err := ort.DestroyEnvironment(); err != nil {
		s.log.Warn("failed to destroy ONNX environment", zap.Error(err))
	}
}
