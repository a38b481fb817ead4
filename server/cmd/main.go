// Package main runs the logfeed server: an HTTP endpoint streaming
// the aggregated log output of a release's workloads as server-sent
// events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/byte4ever/logfeed/feed"
	"github.com/byte4ever/logfeed/feed/resolve"
	"github.com/byte4ever/logfeed/kube"
	"github.com/byte4ever/logfeed/server"
)

const shutdownGrace = 10 * time.Second

// options holds the CLI parameters. Flags override the config file.
type options struct {
	configPath string
	listen     string
	kubeconfig string
}

func parseOptions() options {
	var opts options

	flag.StringVar(
		&opts.configPath,
		"config", "",
		"path to YAML config file",
	)
	flag.StringVar(
		&opts.listen,
		"listen", "",
		"listen address (overrides config)",
	)
	flag.StringVar(
		&opts.kubeconfig,
		"kubeconfig",
		os.Getenv("KUBECONFIG"),
		"path to kubernetes config file",
	)

	flag.Parse()

	return opts
}

func run() error {
	const errCtx = "logfeed server"

	opts := parseOptions()

	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	if opts.listen != "" {
		cfg.Listen = opts.listen
	}

	if opts.kubeconfig != "" {
		cfg.Kubeconfig = opts.kubeconfig
	}

	feedCfg, err := cfg.FeedConfig()
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	heartbeat, err := cfg.HeartbeatInterval()
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	renderer, err := server.NewLineRenderer(cfg.LineTemplate)
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	kubeconfig := cfg.Kubeconfig
	if kubeconfig == "" {
		if _, ok := os.LookupEnv(
			"KUBERNETES_SERVICE_HOST",
		); !ok {
			kubeconfig = filepath.Join(
				homedir.HomeDir(),
				".kube", "config",
			)
		}
	}

	restConfig, err := clientcmd.BuildConfigFromFlags(
		"", kubeconfig,
	)
	if err != nil {
		return fmt.Errorf(
			"%s: building kubeconfig: %w", errCtx, err,
		)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf(
			"%s: building clientset: %w", errCtx, err,
		)
	}

	dynClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf(
			"%s: building dynamic client: %w", errCtx, err,
		)
	}

	logger := slog.Default()

	cluster := kube.New(clientset, dynClient, kube.Options{
		Descriptor: schema.GroupVersionResource{
			Group:    cfg.Descriptor.Group,
			Version:  cfg.Descriptor.Version,
			Resource: cfg.Descriptor.Resource,
		},
		ReleaseLabel: cfg.Descriptor.ReleaseLabel,
	})

	factory := func(releaseID string) server.FeedStream {
		resolver := &resolve.Resolver{
			Cluster: cluster,
			Meta:    cluster,
			Log:     logger,
		}

		return feed.New(
			releaseID,
			resolver,
			cluster,
			cluster,
			feedCfg,
			logger,
		)
	}

	handler := server.New(
		factory, heartbeat, renderer, logger,
	)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	serveErr := make(chan error, 1)

	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("%s: %w", errCtx, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), shutdownGrace,
	)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf(
			"%s: shutdown: %w", errCtx, err,
		)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
