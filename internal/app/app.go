// Package app is the composition root for the grading orchestrator: one
// struct wiring the Job Store, Submission Workspace, Cluster Dispatcher,
// Event Bus, Event Watcher, Completion Consumer, Result Uploader, and the
// two HTTP surfaces together, grounded on the teacher's
// pkg/manager.Manager ("one struct, NewManager builds every subsystem in
// turn, Shutdown stops them in order") and cmd/warren/main.go's command
// wiring.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/callback"
	"github.com/aalto-grader/async-grader/internal/catalog"
	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/consumer"
	"github.com/aalto-grader/async-grader/internal/dispatcher"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/intake"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
	"github.com/aalto-grader/async-grader/internal/uploader"
	"github.com/aalto-grader/async-grader/internal/watcher"
	"github.com/aalto-grader/async-grader/internal/workspace"
)

// App wires together every component named in spec.md §4 plus the
// supplemented submission-intake and catalog pieces. Fields are exported
// only where tests need to reach in (e.g. to swap the Bus for a
// MemoryBus); production wiring always goes through NewApp.
type App struct {
	cfg config.Config

	Store     jobstore.Store
	Workspace *workspace.Manager
	Catalog   *catalog.StaticCatalog
	Bus       bus.Bus

	dispatcher *dispatcher.Dispatcher
	watcher    *watcher.Watcher
	consumer   *consumer.Consumer
	uploader   *uploader.Uploader
	callback   *callback.Handler
	intake     *intake.Handler

	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

// NewApp builds every subsystem in turn, matching pkg/manager.NewManager's
// shape: eager error return, no partially-initialized App escapes this
// function.
func NewApp(cfg config.Config) (*App, error) {
	logger := grlog.WithComponent("app")

	store, err := jobstore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	ws, err := workspace.NewManager(cfg.DataDir + "/workspaces")
	if err != nil {
		return nil, fmt.Errorf("open workspace manager: %w", err)
	}

	cat := catalog.NewStaticCatalog(cfg.DataDir + "/catalog")

	client, err := buildKubernetesClient()
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	eventBus, err := bus.DialAMQPBus(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial event bus: %w", err)
	}

	disp := dispatcher.New(client, cfg, store, eventBus)

	w := watcher.New(client, cfg.Namespace, eventBus, store)

	poster := uploader.NewRetryableHTTPPoster(cfg.UploadTimeout)
	up := uploader.New(store, ws, cat, poster, cfg)

	con := consumer.New(eventBus, store, up)

	router := mux.NewRouter()
	cb := callback.New(router, store, ws, up, cfg)
	in := intake.New(store, ws, cat, disp, cfg)
	router.Handle("/submit", in).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", readyzHandler(store)).Methods(http.MethodGet)

	return &App{
		cfg:        cfg,
		Store:      store,
		Workspace:  ws,
		Catalog:    cat,
		Bus:        eventBus,
		dispatcher: disp,
		watcher:    w,
		consumer:   con,
		uploader:   up,
		callback:   cb,
		intake:     in,
		router:     router,
		logger:     logger,
	}, nil
}

// buildKubernetesClient follows the usual in-cluster-first, kubeconfig-
// fallback resolution every client-go-based controller uses.
func buildKubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("resolve kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

// Start launches the background loops (Watcher, Consumer, Uploader) and
// the HTTP server in its own goroutine. It returns without waiting for the
// listener to be bound; listen and serving errors are reported on the
// returned channel.
func (a *App) Start(ctx context.Context) <-chan error {
	a.watcher.Start(ctx)
	a.uploader.Start(ctx)

	go func() {
		if err := a.consumer.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("consumer loop exited")
		}
	}()

	a.server = &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return errCh
}

// Shutdown stops every subsystem in the order spec.md §5 requires: the
// Watcher first (stop producing events), then the HTTP server (stop
// accepting new submissions and callbacks), then the Consumer (it finishes
// the delivery in hand and returns, waited on no longer than shutdownCtx;
// events still queued on the bus are not drained), then the
// Uploader (in-flight deliveries finish naturally or are picked back up by
// the next process's poll loop), and finally the Bus and Job Store
// connections.
func (a *App) Shutdown(shutdownCtx context.Context) error {
	a.watcher.Stop()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	consumerDone := make(chan struct{})
	go func() {
		a.consumer.Stop()
		close(consumerDone)
	}()
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn().Msg("consumer drain deadline exceeded, shutting down anyway")
	}

	a.uploader.Stop()

	if err := a.Bus.Close(); err != nil {
		a.logger.Error().Err(err).Msg("event bus close error")
	}

	if closer, ok := a.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close job store: %w", err)
		}
	}

	return nil
}

// healthzHandler is a liveness probe: the process is up and serving HTTP.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// readyzHandler is a readiness probe: the Job Store backing the orchestrator
// is reachable. Mirrors cmd/warren/main.go's /ready endpoint, narrowed to
// this domain's one stateful dependency instead of per-component status.
func readyzHandler(store jobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := store.ListPendingUpload(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}
