package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
	"github.com/Brownie44l1/resq-ai/internal/client"
	"github.com/Brownie44l1/resq-ai/internal/config"
	"github.com/Brownie44l1/resq-ai/internal/handlers"
	"github.com/Brownie44l1/resq-ai/internal/logging"
	"github.com/Brownie44l1/resq-ai/internal/model"
)

func main() {
	app := &cli.App{
		Name:  "resq-ai",
		Usage: "classify disaster images with a pretrained ImageNet model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{"RESQ_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "model",
				Usage:   "path to the ONNX model",
				EnvVars: []string{"RESQ_MODEL"},
			},
			&cli.StringFlag{
				Name:    "metadata",
				Usage:   "path to the model metadata JSON",
				EnvVars: []string{"RESQ_METADATA"},
			},
			&cli.StringFlag{
				Name:    "onnx-lib",
				Usage:   "path to the onnxruntime shared library",
				EnvVars: []string{"ONNXRUNTIME_LIB"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP service",
				Action: serve,
			},
			{
				Name:      "classify",
				Usage:     "classify local image files with the loaded model",
				ArgsUsage: "<image>...",
				Action:    classifyFiles,
			},
			{
				Name:      "predict",
				Usage:     "upload image files to a running service",
				ArgsUsage: "<image>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Value: "http://localhost:8000",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Value: time.Minute,
					},
				},
				Action: predictRemote,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if cctx.IsSet("port") {
		cfg.HTTP.Port = cctx.Int("port")
	}
	if cctx.IsSet("model") {
		cfg.Model.Path = cctx.String("model")
	}
	if cctx.IsSet("metadata") {
		cfg.Model.Metadata = cctx.String("metadata")
	}
	if cctx.IsSet("onnx-lib") {
		cfg.Model.Library = cctx.String("onnx-lib")
	}
	if cctx.IsSet("log-level") {
		cfg.Log.Level = cctx.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setup loads the model once; the returned session must be closed by the
// caller.
func setup(cctx *cli.Context) (*config.Config, *zap.Logger, *classifier.Classifier, *model.Session, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	log.Info("loading model", zap.String("path", cfg.Model.Path))
	session, err := model.NewSession(cfg.Model.Path, cfg.Model.Metadata, model.Options{
		LibraryPath: cfg.Model.Library,
		Threads:     cfg.Model.Threads,
	}, log)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize model: %w", err)
	}

	taxonomy, err := cfg.Taxonomy()
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, err
	}

	pre := classifier.PreprocessorFor(session.Metadata)
	pre.MaxPixels = cfg.Classifier.MaxPixels

	clf, err := classifier.New(session, classifier.Config{
		Labels:       session.Labels(),
		Preprocessor: pre,
		Taxonomy:     taxonomy,
		TopK:         cfg.Classifier.TopK,
		CacheSize:    cfg.Classifier.CacheSize,
	}, log)
	if err != nil {
		session.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, log, clf, session, nil
}

func serve(cctx *cli.Context) error {
	cfg, log, clf, session, err := setup(cctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer session.Close()

	handler := handlers.NewHandler(clf, cfg.HTTP.MaxUploadBytes, log)
	server := handlers.NewServer(handlers.ServerConfig{
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, handler.Routes(), log)

	log.Info("endpoints",
		zap.Strings("routes", []string{
			"GET / - liveness",
			"POST /predict - classify an uploaded image (field 'file')",
			"GET /categories - disaster keyword table",
			"GET /metrics - Prometheus metrics",
		}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("received signal", zap.String("signal", sig.String()))
	}
	return server.Stop()
}

func classifyFiles(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return fmt.Errorf("no image files given")
	}

	_, log, clf, session, err := setup(cctx)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer session.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, path := range cctx.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		result, err := clf.Predict(cctx.Context, data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(fileResult{File: path, Result: result}); err != nil {
			return err
		}
	}
	return nil
}

func predictRemote(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return fmt.Errorf("no image files given")
	}

	c := client.New(cctx.String("url"), cctx.Duration("timeout"))
	ctx := cctx.Context

	if _, err := c.Health(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, path := range cctx.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		result, err := c.Predict(ctx, filepath.Base(path), data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := enc.Encode(fileResult{File: path, Result: result}); err != nil {
			return err
		}
	}
	return nil
}

type fileResult struct {
	File string `json:"file"`
	*classifier.Result
}
