package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-workflow/pkg/event"
)

type fakeEngine struct {
	instances int
	tasks     int
}

func (f *fakeEngine) ActiveProcessInstanceCount() int { return f.instances }
func (f *fakeEngine) ActiveTaskCount() int            { return f.tasks }

func TestEngineGauges(t *testing.T) {
	r := NewRecorder()
	e := &fakeEngine{instances: 3, tasks: 5}
	r.RegisterEngine(e)

	expected := `
# HELP idm_workflow_active_process_instances Number of running process instances
# TYPE idm_workflow_active_process_instances gauge
idm_workflow_active_process_instances 3
# HELP idm_workflow_active_tasks Number of pending tasks
# TYPE idm_workflow_active_tasks gauge
idm_workflow_active_tasks 5
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"idm_workflow_active_process_instances", "idm_workflow_active_tasks"))

	e.instances = 1
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(`
# HELP idm_workflow_active_process_instances Number of running process instances
# TYPE idm_workflow_active_process_instances gauge
idm_workflow_active_process_instances 1
`), "idm_workflow_active_process_instances"))
}

func TestPublishCountsEvents(t *testing.T) {
	r := NewRecorder()
	var publisher event.Publisher = r
	ctx := context.Background()
	require.NoError(t, publisher.Publish(ctx, event.LifecycleEvent{Type: event.Create, Domain: "Master"}))
	require.NoError(t, publisher.Publish(ctx, event.LifecycleEvent{Type: event.Create, Domain: "Master"}))
	require.NoError(t, publisher.Publish(ctx, event.LifecycleEvent{Type: event.Delete, Domain: "Master"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.lifecycleEvents.WithLabelValues("CREATE", "Master")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lifecycleEvents.WithLabelValues("DELETE", "Master")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRecorder()
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/users/{userKey}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", r.Handler())

	for _, key := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/"+key, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues(http.MethodGet, "/users/{userKey}", "404")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `idm_workflow_http_requests_total{method="GET",path="/users/{userKey}",status="404"} 2`)
}
