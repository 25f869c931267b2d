package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Tutortoise/object-detection-demo/config"
	"github.com/Tutortoise/object-detection-demo/detections"
	"github.com/Tutortoise/object-detection-demo/logging"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Debug {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	logger.WithFields(logrus.Fields{
		"model":    cfg.ModelPath,
		"ort_lib":  cfg.SharedLibraryPath,
		"imgsz":    cfg.InferenceImageSize,
		"pool":     cfg.PoolSize,
		"goarch":   runtime.GOARCH,
		"features": cpuFeatures(),
	}).Info("Loading model")

	// Without a model there is nothing to serve, so the upload page is never
	// offered.
	model, err := detections.LoadModel(detections.ModelOptions{
		ModelPath:         cfg.ModelPath,
		SharedLibraryPath: cfg.SharedLibraryPath,
		ClassNamesPath:    cfg.ClassNamesPath,
		ConfThreshold:     cfg.ConfThreshold,
		IouThreshold:      cfg.IouThreshold,
		MaxDetections:     cfg.MaxDetections,
		PoolSize:          cfg.PoolSize,
		Threads:           cfg.Threads,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatalf("Error loading YOLO model: %v", err)
	}
	defer model.Destroy()

	info := model.Info()
	logger.WithFields(logrus.Fields{
		"name":         info.Name,
		"input":        info.InputName,
		"default_size": info.DefaultSize,
		"dynamic":      info.Dynamic,
		"classes":      info.NumClasses,
	}).Info("Model loaded")

	tmpl, err := loadTemplates()
	if err != nil {
		logger.Fatalf("Failed to load templates: %v", err)
	}

	state := &AppState{
		Model:     model,
		Flow:      NewDetectionDemoFlow(model, cfg.InferenceImageSize, cfg.TempDir, logger),
		Templates: tmpl,
		Config:    cfg,
		Log:       logger,
		StartedAt: time.Now(),
	}

	r, err := NewRouter(state)
	if err != nil {
		logger.Fatalf("Failed to build router: %v", err)
	}

	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
}
