package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/loader/kubernetes/k8sapi"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.New("error", "text")
	require.NoError(t, err)
	return logger
}

func testClient(baseURL string, logger log.Logger) *client {
	return &client{
		client:     &http.Client{Transport: http.DefaultTransport, Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiVersion: apiVersion,
		logger:     logger,
	}
}

func tenantListJSON(rv string) string {
	return fmt.Sprintf(`{
		"apiVersion": "uitsmijter.io/v1",
		"kind": "TenantList",
		"metadata": {"resourceVersion": %q},
		"items": [{
			"metadata": {"name": "cheese", "namespace": "food", "uid": "uid-1", "resourceVersion": "7"},
			"spec": {"hosts": ["id.example.com"]}
		}]
	}`, rv)
}

func TestListReconcilesTenants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apis/uitsmijter.io/v1/tenants":
			fmt.Fprint(w, tenantListJSON("100"))
		case "/apis/uitsmijter.io/v1/clients":
			fmt.Fprint(w, `{"metadata":{"resourceVersion":"100"},"items":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := entities.NewStore(testLogger(t))
	l := New(store, Config{}, testLogger(t), nil)
	l.client = testClient(srv.URL, l.logger)

	rv, err := l.listTenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", rv)

	tenant, ok := store.FindTenantByName("food/cheese")
	require.True(t, ok)
	assert.Equal(t, entities.RefKindKubernetes, tenant.Ref.Kind)
	assert.Equal(t, "uid-1", tenant.Ref.UID)
	assert.Equal(t, "7", tenant.Ref.ResourceVersion)
}

func TestListRetriesWhileAPINotReady(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, tenantListJSON("5"))
	}))
	defer srv.Close()

	store := entities.NewStore(testLogger(t))
	l := New(store, Config{}, testLogger(t), nil)
	l.client = testClient(srv.URL, l.logger)

	_, err := l.listTenants(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestListGivesUpOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := entities.NewStore(testLogger(t))
	l := New(store, Config{}, testLogger(t), nil)
	l.client = testClient(srv.URL, l.logger)

	_, err := l.listTenants(context.Background())
	assert.Error(t, err)
}

func TestWatchStreamDelivery(t *testing.T) {
	events := []string{
		`{"type":"ADDED","object":{"metadata":{"name":"cheese","namespace":"food","uid":"uid-1","resourceVersion":"8"},"spec":{"hosts":["id.example.com"]}}}`,
		`{"type":"MODIFIED","object":{"metadata":{"name":"cheese","namespace":"food","uid":"uid-1","resourceVersion":"9"},"spec":{"hosts":["login.example.com"]}}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("watch"))
		flusher := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprintln(w, e)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := entities.NewStore(testLogger(t))
	l := New(store, Config{}, testLogger(t), nil)
	l.client = testClient(srv.URL, l.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := l.client.watch(ctx, tenantsResource, "5")
	require.NoError(t, err)

	for event := range stream {
		l.handleTenantEvent(event)
	}

	tenant, ok := store.FindTenantByName("food/cheese")
	require.True(t, ok)
	assert.Equal(t, []string{"login.example.com"}, tenant.Config.Hosts)
	assert.Equal(t, "9", tenant.Ref.ResourceVersion)
}

func TestHandleEventsSkipMalformed(t *testing.T) {
	store := entities.NewStore(testLogger(t))
	l := New(store, Config{}, testLogger(t), nil)

	l.handleTenantEvent(eventFrom(t, "ADDED", `{"metadata":{"name":""},"spec":{}}`))
	assert.Empty(t, store.Tenants())

	l.handleClientEvent(eventFrom(t, "ADDED", `{"metadata":{"name":"x"},"spec":{}}`))
	assert.Empty(t, store.Clients())

	l.handleClientEvent(eventFrom(t, "ADDED",
		`{"metadata":{"name":"spa","namespace":"food","uid":"u2","resourceVersion":"1"},
		  "spec":{"ident":"22222222-2222-2222-2222-222222222222","tenantname":"cheese","redirect_urls":[".*"]}}`))
	client, ok := store.FindClientByIdent("22222222-2222-2222-2222-222222222222")
	require.True(t, ok)
	assert.Equal(t, "food/cheese", client.Config.TenantName)
}

func eventFrom(t *testing.T, typ, object string) k8sapi.WatchEvent {
	t.Helper()
	var event k8sapi.WatchEvent
	raw := fmt.Sprintf(`{"type":%q,"object":%s}`, typ, object)
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return event
}
