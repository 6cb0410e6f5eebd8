package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported network: tensor names and shapes, the
// label vocabulary in output order, and the preprocessing constants the
// weights were trained with.
type Metadata struct {
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	ResizeSize  int       `json:"resize_size"`
	Mean        []float32 `json:"mean"`
	Std         []float32 `json:"std"`
}

// ImageNet normalization used by torchvision's pretrained ResNet weights.
var (
	DefaultMean = []float32{0.485, 0.456, 0.406}
	DefaultStd  = []float32{0.229, 0.224, 0.225}
)

const (
	DefaultImageSize  = 224
	DefaultResizeSize = 256
)

// LoadMetadata reads a metadata file and fills in ResNet defaults for any
// preprocessing field it leaves out.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	md.applyDefaults()
	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.ImageSize == 0 {
		m.ImageSize = DefaultImageSize
	}
	if m.ResizeSize == 0 {
		m.ResizeSize = DefaultResizeSize
	}
	if len(m.Mean) == 0 {
		m.Mean = append([]float32(nil), DefaultMean...)
	}
	if len(m.Std) == 0 {
		m.Std = append([]float32(nil), DefaultStd...)
	}
	if len(m.InputShape) == 0 {
		m.InputShape = []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

// Validate checks that the metadata is self-consistent.
func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return fmt.Errorf("mean and std must have 3 channels, got %d and %d", len(m.Mean), len(m.Std))
	}
	for i, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] is zero", i)
		}
	}
	if m.ImageSize <= 0 || m.ResizeSize < m.ImageSize {
		return fmt.Errorf("resize size %d must be at least crop size %d", m.ResizeSize, m.ImageSize)
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 ||
		m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("input shape %v does not match 1x3x%dx%d", m.InputShape, m.ImageSize, m.ImageSize)
	}
	if got := m.OutputSize(); got != len(m.Classes) {
		return fmt.Errorf("output shape %v has %d values, metadata lists %d classes", m.OutputShape, got, len(m.Classes))
	}
	return nil
}

// InputSize is the number of float32 values in one input batch.
func (m Metadata) InputSize() int {
	return product(m.InputShape)
}

// OutputSize is the number of float32 values in one output batch.
func (m Metadata) OutputSize() int {
	return product(m.OutputShape)
}

func product(shape []int64) int {
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}
