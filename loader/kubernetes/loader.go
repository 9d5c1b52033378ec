// Package kubernetes loads tenants and clients from custom resources and
// keeps the entity store reconciled with the cluster.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/loader"
	"github.com/uitsmijter/uitsmijter/loader/kubernetes/k8sapi"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

const (
	apiGroup   = "uitsmijter.io"
	apiVersion = apiGroup + "/v1"

	tenantsResource = "tenants"
	clientsResource = "clients"

	listRetryInitial = time.Second
	listRetryMax     = 30 * time.Second
	listRetryCount   = 10
)

// Config selects how the loader reaches the API server and which namespaces
// it observes.
type Config struct {
	// KubeConfigPath selects a kubeconfig file; empty means in-cluster.
	KubeConfigPath string
	// Namespace restricts the loader to a single namespace when Scoped.
	Namespace string
	// Scoped toggles single-namespace operation; otherwise all namespaces
	// are observed.
	Scoped bool
}

// CRDLoader lists and watches the tenant and client custom resources.
type CRDLoader struct {
	store  *entities.Store
	cfg    Config
	logger log.Logger

	// onFatal is invoked when a watch stream is lost; readiness flips to
	// false.
	onFatal func(error)

	client *client
	cancel context.CancelFunc
	done   chan struct{}
}

var _ loader.Loader = (*CRDLoader)(nil)

// New returns a CRD loader for the given store.
func New(store *entities.Store, cfg Config, logger log.Logger, onFatal func(error)) *CRDLoader {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &CRDLoader{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		onFatal: onFatal,
	}
}

type tenantObject struct {
	k8sapi.TypeMeta `json:",inline"`
	Metadata        k8sapi.ObjectMeta   `json:"metadata"`
	Spec            entities.TenantSpec `json:"spec"`
}

type tenantList struct {
	k8sapi.TypeMeta `json:",inline"`
	Metadata        k8sapi.ListMeta `json:"metadata"`
	Items           []tenantObject  `json:"items"`
}

type clientObject struct {
	k8sapi.TypeMeta `json:",inline"`
	Metadata        k8sapi.ObjectMeta   `json:"metadata"`
	Spec            entities.ClientSpec `json:"spec"`
}

type clientList struct {
	k8sapi.TypeMeta `json:",inline"`
	Metadata        k8sapi.ListMeta `json:"metadata"`
	Items           []clientObject  `json:"items"`
}

func (o *tenantObject) toEntity() entities.Tenant {
	name := o.Metadata.Name
	if o.Metadata.Namespace != "" {
		name = o.Metadata.Namespace + "/" + o.Metadata.Name
	}
	return entities.Tenant{
		Name:   name,
		Config: o.Spec,
		Ref:    entities.KubernetesRef(o.Metadata.UID, o.Metadata.ResourceVersion),
	}
}

func (o *clientObject) toEntity() entities.Client {
	spec := o.Spec
	if o.Metadata.Namespace != "" && spec.TenantName != "" &&
		!containsSlash(spec.TenantName) {
		spec.TenantName = o.Metadata.Namespace + "/" + spec.TenantName
	}
	return entities.Client{
		Name:   o.Metadata.Name,
		Config: spec,
		Ref:    entities.KubernetesRef(o.Metadata.UID, o.Metadata.ResourceVersion),
	}
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

// Start lists both resource kinds, reconciles them into the store and
// starts the watch streams. Listing retries with exponential backoff while
// the API signals readiness failures.
func (l *CRDLoader) Start(ctx context.Context) error {
	var cluster k8sapi.Cluster
	var user k8sapi.AuthInfo
	var namespace string
	var err error

	if l.cfg.KubeConfigPath != "" {
		cluster, user, namespace, err = loadKubeConfig(l.cfg.KubeConfigPath)
	} else {
		cluster, user, namespace, err = inClusterConfig()
	}
	if err != nil {
		return err
	}

	if l.cfg.Scoped {
		if l.cfg.Namespace != "" {
			namespace = l.cfg.Namespace
		}
	} else {
		namespace = ""
	}

	l.client, err = newClient(cluster, user, namespace, l.logger)
	if err != nil {
		return fmt.Errorf("create client: %v", err)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	tenantVersion, err := l.listTenants(ctx)
	if err != nil {
		l.cancel()
		close(l.done)
		return err
	}
	clientVersion, err := l.listClients(ctx)
	if err != nil {
		l.cancel()
		close(l.done)
		return err
	}

	go l.run(ctx, tenantVersion, clientVersion)
	return nil
}

// Shutdown cancels the watches and waits for them to drain.
func (l *CRDLoader) Shutdown() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

func (l *CRDLoader) listWithRetry(ctx context.Context, resource string, v interface{}) error {
	// WithMaxRetries counts retries after the first attempt, so
	// listRetryCount-1 bounds the total number of attempts to listRetryCount.
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     listRetryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         listRetryMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, listRetryCount-1), ctx)

	return backoff.Retry(func() error {
		err := l.client.list(ctx, resource, v)
		if err == nil {
			return nil
		}
		if isNotReady(err) {
			l.logger.Warnf("api not ready listing %s, retrying: %v", resource, err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (l *CRDLoader) listTenants(ctx context.Context) (string, error) {
	var list tenantList
	if err := l.listWithRetry(ctx, tenantsResource, &list); err != nil {
		return "", fmt.Errorf("list tenants: %v", err)
	}
	for i := range list.Items {
		l.store.ReconcileTenant(entities.EventAdded, list.Items[i].toEntity())
	}
	return list.Metadata.ResourceVersion, nil
}

func (l *CRDLoader) listClients(ctx context.Context) (string, error) {
	var list clientList
	if err := l.listWithRetry(ctx, clientsResource, &list); err != nil {
		return "", fmt.Errorf("list clients: %v", err)
	}
	for i := range list.Items {
		l.store.ReconcileClient(entities.EventAdded, list.Items[i].toEntity())
	}
	return list.Metadata.ResourceVersion, nil
}

func (l *CRDLoader) run(ctx context.Context, tenantVersion, clientVersion string) {
	defer close(l.done)

	tenantEvents, err := l.client.watch(ctx, tenantsResource, tenantVersion)
	if err != nil {
		l.onFatal(fmt.Errorf("watch tenants: %v", err))
		return
	}
	clientEvents, err := l.client.watch(ctx, clientsResource, clientVersion)
	if err != nil {
		l.onFatal(fmt.Errorf("watch clients: %v", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-tenantEvents:
			if !ok {
				if ctx.Err() == nil {
					l.onFatal(fmt.Errorf("tenant watch stream closed"))
				}
				return
			}
			l.handleTenantEvent(event)
		case event, ok := <-clientEvents:
			if !ok {
				if ctx.Err() == nil {
					l.onFatal(fmt.Errorf("client watch stream closed"))
				}
				return
			}
			l.handleClientEvent(event)
		}
	}
}

func eventType(watchType string) (entities.EventType, bool) {
	switch watchType {
	case k8sapi.WatchAdded:
		return entities.EventAdded, true
	case k8sapi.WatchModified:
		return entities.EventModified, true
	case k8sapi.WatchDeleted:
		return entities.EventDeleted, true
	}
	return "", false
}

func (l *CRDLoader) handleTenantEvent(event k8sapi.WatchEvent) {
	ev, ok := eventType(event.Type)
	if !ok {
		l.logger.Warnf("unexpected tenant watch event %q", event.Type)
		return
	}
	var obj tenantObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		l.logger.Warnf("skipping malformed tenant event: %v", err)
		return
	}
	if obj.Metadata.Name == "" || len(obj.Spec.Hosts) == 0 {
		l.logger.Warnf("skipping invalid tenant %s/%s", obj.Metadata.Namespace, obj.Metadata.Name)
		return
	}
	l.store.ReconcileTenant(ev, obj.toEntity())
}

func (l *CRDLoader) handleClientEvent(event k8sapi.WatchEvent) {
	ev, ok := eventType(event.Type)
	if !ok {
		l.logger.Warnf("unexpected client watch event %q", event.Type)
		return
	}
	var obj clientObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		l.logger.Warnf("skipping malformed client event: %v", err)
		return
	}
	if obj.Metadata.Name == "" || obj.Spec.Ident == "" {
		l.logger.Warnf("skipping invalid client %s/%s", obj.Metadata.Namespace, obj.Metadata.Name)
		return
	}
	l.store.ReconcileClient(ev, obj.toEntity())
}
