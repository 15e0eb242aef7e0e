package app

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/callback"
	"github.com/aalto-grader/async-grader/internal/catalog"
	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/consumer"
	"github.com/aalto-grader/async-grader/internal/dispatcher"
	"github.com/aalto-grader/async-grader/internal/grlog"
	"github.com/aalto-grader/async-grader/internal/intake"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/uploader"
	"github.com/aalto-grader/async-grader/internal/watcher"
	"github.com/aalto-grader/async-grader/internal/workspace"
)

type fakePodClient struct{}

func (fakePodClient) Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error) {
	pod.Name = "fake-pod"
	return pod, nil
}

type fakePodWatchClient struct {
	watcher *watch.FakeWatcher
}

func (f fakePodWatchClient) Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
	return f.watcher, nil
}

func (f fakePodWatchClient) List(ctx context.Context, opts metav1.ListOptions) (*corev1.PodList, error) {
	return &corev1.PodList{}, nil
}

type stubPoster struct{}

func (stubPoster) PostForm(ctx context.Context, uploadURL string, form url.Values) (int, []byte, error) {
	return 200, nil, nil
}

// buildTestApp assembles an App from in-process fakes, bypassing NewApp's
// real Kubernetes/AMQP dials, so Start/Shutdown ordering can be exercised
// without external dependencies.
func buildTestApp(t *testing.T) *App {
	t.Helper()
	store := jobstore.NewMemStore()
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	cat := catalog.NewStaticCatalog(t.TempDir())
	eventBus := bus.NewMemoryBus(16)

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"

	disp := dispatcher.NewWithClient(fakePodClient{}, cfg.Namespace, cfg, store, eventBus)
	w := watcher.NewWithClient(fakePodWatchClient{watcher: watch.NewFake()}, cfg.Namespace, eventBus, store)

	up := uploader.New(store, ws, cat, stubPoster{}, cfg)
	con := consumer.New(eventBus, store, up)

	router := mux.NewRouter()
	cb := callback.New(router, store, ws, up, cfg)
	in := intake.New(store, ws, cat, disp, cfg)
	router.Handle("/submit", in)

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
		logger:     grlog.WithComponent("app-test"),
	}
}

func TestAppStartAndShutdownReturnsCleanly(t *testing.T) {
	a := buildTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := a.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, a.Shutdown(shutdownCtx))

	select {
	case err := <-errCh:
		t.Fatalf("unexpected server error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAppRouterUnknownPathIs404(t *testing.T) {
	a := buildTestApp(t)

	req := httptest.NewRequest("GET", "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}
