package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpromonet/gin-malaria/classifier"
	"github.com/mpromonet/gin-malaria/inference"
	"github.com/mpromonet/gin-malaria/server"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	modelPath  = flag.String("model", "", "path to model file (.onnx or .tflite), overrides config")
	listenAddr = flag.String("listen", "", "listen address, overrides config")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *modelPath != "" {
		cfg.Model = *modelPath
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// run serves until SIGINT or SIGTERM. A model that cannot be loaded or a
// listener that fails is returned as an error.
func run(cfg Config) error {
	gin.SetMode(cfg.GinMode)

	log.Printf("Loading model from: %s", cfg.Model)
	rt, err := inference.Open(inference.Options{
		ModelPath:  cfg.Model,
		OrtLibrary: cfg.OrtLibrary,
		NumThreads: cfg.NumThreads,
		Workers:    cfg.Workers,
		EdgeTPU:    cfg.EdgeTPU,
	})
	if err != nil {
		return fmt.Errorf("cannot load model: %w", err)
	}
	defer inference.Shutdown()
	defer rt.Close()

	pipeline, err := classifier.NewPipeline(rt)
	if err != nil {
		return fmt.Errorf("cannot create pipeline: %w", err)
	}
	log.Printf("input tensor: %s, output tensor: %s, threshold: %v", pipeline.InputName(), pipeline.OutputName(), classifier.DecisionThreshold)

	handler := server.New(pipeline, server.Options{
		ModelPath:      cfg.Model,
		StaticDir:      cfg.StaticDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Decoder:        cfg.Decoder,
	}).Handler()

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("shutdown:", err)
	}
	return nil
}
