// Package classifier maps images onto coarse disaster categories using a
// pretrained ImageNet network and an ordered keyword table.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Brownie44l1/resq-ai/internal/metrics"
	"github.com/Brownie44l1/resq-ai/internal/model"
)

var (
	// ErrDecode means the input bytes are not a readable image.
	ErrDecode = errors.New("invalid image")
	// ErrInference means preprocessing or the network itself failed.
	ErrInference = errors.New("inference failed")
)

// DefaultTopK is how many ranked labels a result carries.
const DefaultTopK = 5

// Runner executes the network on one preprocessed input batch.
type Runner interface {
	Run(input []float32) ([]float32, error)
}

type Prediction struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

type Result struct {
	DisasterType   DisasterType `json:"disaster_type"`
	TopPrediction  string       `json:"top_prediction"`
	Confidence     float64      `json:"confidence"`
	AllPredictions []Prediction `json:"all_predictions"`
}

func (r *Result) clone() *Result {
	out := *r
	out.AllPredictions = append([]Prediction(nil), r.AllPredictions...)
	return &out
}

type Config struct {
	// Labels is the network's output vocabulary, in output order.
	Labels       []string
	Preprocessor Preprocessor
	// Taxonomy defaults to the built-in keyword table.
	Taxonomy *Taxonomy
	// TopK defaults to DefaultTopK.
	TopK int
	// CacheSize bounds the result cache; 0 disables it.
	CacheSize int
}

// PreprocessorFor builds the preprocessing stage the metadata describes.
func PreprocessorFor(md model.Metadata) Preprocessor {
	p := Preprocessor{ResizeSize: md.ResizeSize, CropSize: md.ImageSize}
	copy(p.Mean[:], md.Mean)
	copy(p.Std[:], md.Std)
	return p
}

// Classifier is immutable after New and safe for concurrent use.
type Classifier struct {
	runner   Runner
	labels   []string
	pre      Preprocessor
	taxonomy *Taxonomy
	topK     int
	cache    *lru.Cache[string, *Result]
	log      *zap.Logger
}

func New(runner Runner, cfg Config, log *zap.Logger) (*Classifier, error) {
	if runner == nil {
		return nil, fmt.Errorf("classifier needs a model runner")
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("classifier needs a label vocabulary")
	}
	if cfg.Preprocessor.CropSize <= 0 || cfg.Preprocessor.ResizeSize < cfg.Preprocessor.CropSize {
		return nil, fmt.Errorf("invalid preprocessing sizes: resize %d, crop %d",
			cfg.Preprocessor.ResizeSize, cfg.Preprocessor.CropSize)
	}
	for i, s := range cfg.Preprocessor.Std {
		if s == 0 {
			return nil, fmt.Errorf("std[%d] is zero", i)
		}
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.TopK < 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", cfg.TopK)
	}
	if cfg.Taxonomy == nil {
		cfg.Taxonomy = MustDefaultTaxonomy()
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Classifier{
		runner:   runner,
		labels:   append([]string(nil), cfg.Labels...),
		pre:      cfg.Preprocessor,
		taxonomy: cfg.Taxonomy,
		topK:     cfg.TopK,
		log:      log,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Taxonomy returns the keyword table in use.
func (c *Classifier) Taxonomy() *Taxonomy {
	return c.taxonomy
}

// Predict decodes raw, runs the network and maps the ranked labels to a
// disaster type. Identical input always yields an identical result.
func (c *Classifier) Predict(ctx context.Context, raw []byte) (*Result, error) {
	ctx, span := otel.Tracer("resq-ai").Start(ctx, "classifier.Predict")
	defer span.End()
	span.SetAttributes(attribute.Int("image.bytes", len(raw)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	if c.cache != nil {
		sum := sha256.Sum256(raw)
		key = hex.EncodeToString(sum[:])
		if cached, ok := c.cache.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached.clone(), nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	result, err := c.classify(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("disaster.type", string(result.DisasterType)),
		attribute.String("prediction.top", result.TopPrediction),
		attribute.Float64("prediction.confidence", result.Confidence),
	)
	metrics.Predictions.WithLabelValues(string(result.DisasterType)).Inc()

	if c.cache != nil {
		c.cache.Add(key, result.clone())
	}
	return result, nil
}

func (c *Classifier) classify(raw []byte) (*Result, error) {
	img, format, err := Decode(raw, c.pre.maxPixels())
	if err != nil {
		metrics.PredictionErrors.WithLabelValues("decode").Inc()
		return nil, err
	}
	c.log.Debug("decoded image",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	start := time.Now()
	logits, err := c.runner.Run(c.pre.Tensor(img))
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PredictionErrors.WithLabelValues("inference").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(logits) != len(c.labels) {
		metrics.PredictionErrors.WithLabelValues("inference").Inc()
		return nil, fmt.Errorf("%w: network returned %d scores for %d labels", ErrInference, len(logits), len(c.labels))
	}

	probs := Softmax(logits)
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			metrics.PredictionErrors.WithLabelValues("inference").Inc()
			return nil, fmt.Errorf("%w: network produced non-finite scores", ErrInference)
		}
	}

	top := TopK(probs, c.topK)
	preds := make([]Prediction, len(top))
	for i, idx := range top {
		preds[i] = Prediction{Category: c.labels[idx], Score: probs[idx]}
	}

	return &Result{
		DisasterType:   c.taxonomy.Detect(preds),
		TopPrediction:  preds[0].Category,
		Confidence:     preds[0].Score,
		AllPredictions: preds,
	}, nil
}
