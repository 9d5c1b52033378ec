package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/loader"
	k8sloader "github.com/uitsmijter/uitsmijter/loader/kubernetes"
	"github.com/uitsmijter/uitsmijter/pkg/log"
	"github.com/uitsmijter/uitsmijter/sandbox"
	"github.com/uitsmijter/uitsmijter/server"
	"github.com/uitsmijter/uitsmijter/session"
	"github.com/uitsmijter/uitsmijter/templateloader"
	"github.com/uitsmijter/uitsmijter/tokens"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Launch the authorization server",
		Example: "uitsmijter serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("parse environment: %v", err)
			}
			return runServe(cfg)
		},
	}
}

func newSessionStore(cfg config, logger log.Logger) (session.Store, error) {
	if cfg.RedisHost == "" {
		logger.Info("using in-process session store")
		return session.NewMemoryStore(logger), nil
	}
	logger.Infof("using redis session store at %s", cfg.RedisHost)
	redisCfg := &session.RedisConfig{
		Addrs:    []string{cfg.RedisHost},
		Password: cfg.RedisPassword,
	}
	return redisCfg.Open(logger)
}

func runServe(cfg config) error {
	logger, err := log.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Infof("uitsmijter version %s", version)

	store := entities.NewStore(logger)

	sessions, err := newSessionStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("session store: %v", err)
	}
	defer sessions.Close()

	signingKey, err := tokens.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate signing key: %v", err)
	}
	tokenService := tokens.NewService(signingKey, tokens.Config{
		AccessTTL:  cfg.accessTTL(),
		RefreshTTL: cfg.refreshTTL(),
	}, logger)

	templates := templateloader.New(cfg.ViewsDir, logger)
	defer templates.Close()
	store.SetTenantLifecycle(templates)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	srv, err := server.New(server.Config{
		PublicDomain:          cfg.PublicDomain,
		Secure:                cfg.Secure,
		CookieExpiration:      cfg.cookieExpiration(),
		AllowMissingProviders: cfg.allowMissingProviders(),
		ReleaseMode:           cfg.Release,
		Version:               version,
		DisplayVersion:        cfg.DisplayVersion,
		Entities:              store,
		Sessions:              sessions,
		Tokens:                tokenService,
		Sandbox:               sandbox.New(logger, 0),
		ViewsDir:              cfg.ViewsDir,
		Logger:                logger,
		PrometheusRegistry:    registry,
	})
	if err != nil {
		return fmt.Errorf("create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fileLoader := loader.NewFileLoader(store, cfg.Directory, logger, srv.LoaderFailed)
	if err := fileLoader.Start(ctx); err != nil {
		return fmt.Errorf("file loader: %v", err)
	}
	defer fileLoader.Shutdown()

	if cfg.SupportKubernetesCRD {
		crdLoader := k8sloader.New(store, k8sloader.Config{
			KubeConfigPath: cfg.KubeConfig,
			Namespace:      cfg.Namespace,
			Scoped:         cfg.ScopedKubernetesCRD,
		}, logger, srv.LoaderFailed)
		if err := crdLoader.Start(ctx); err != nil {
			return fmt.Errorf("kubernetes loader: %v", err)
		}
		defer crdLoader.Shutdown()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv,
	}

	var gr run.Group
	gr.Add(func() error {
		logger.Infof("listening on %s", cfg.ListenAddr)
		return httpServer.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http shutdown: %v", err)
		}
	})
	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		var signalErr run.SignalError
		if ok := asSignalError(err, &signalErr); ok {
			logger.Infof("received %s, shutting down", signalErr.Signal)
			return nil
		}
		return err
	}
	return nil
}

func asSignalError(err error, target *run.SignalError) bool {
	se, ok := err.(run.SignalError)
	if ok {
		*target = se
	}
	return ok
}
