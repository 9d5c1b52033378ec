// Package loader feeds the entity store from the configured sources. Two
// loaders exist: the filesystem loader in this package and the Kubernetes
// CRD loader in loader/kubernetes. Both emit added/modified/deleted events
// that the store reconciles with the same revision-aware rule.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/uitsmijter/uitsmijter/entities"
)

// Loader is the common lifecycle of the entity sources.
type Loader interface {
	Start(ctx context.Context) error
	Shutdown()
}

// Metadata identifies a resource within its source.
type Metadata struct {
	Name            string `json:"name"`
	Namespace       string `json:"namespace,omitempty"`
	UID             string `json:"uid,omitempty"`
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// TenantResource is the YAML/JSON envelope of a tenant, shared by files and
// the custom resource.
type TenantResource struct {
	APIVersion string              `json:"apiVersion,omitempty"`
	Kind       string              `json:"kind,omitempty"`
	Metadata   Metadata            `json:"metadata"`
	Spec       entities.TenantSpec `json:"spec"`
}

// ClientResource is the YAML/JSON envelope of a client.
type ClientResource struct {
	APIVersion string              `json:"apiVersion,omitempty"`
	Kind       string              `json:"kind,omitempty"`
	Metadata   Metadata            `json:"metadata"`
	Spec       entities.ClientSpec `json:"spec"`
}

// namespacedName builds the store identity: "namespace/name" for namespaced
// resources, the plain name otherwise.
func namespacedName(m Metadata) string {
	if m.Namespace != "" {
		return m.Namespace + "/" + m.Name
	}
	return m.Name
}

// ParseTenant decodes a tenant resource and attaches the given provenance.
func ParseTenant(data []byte, ref entities.Ref) (entities.Tenant, error) {
	var res TenantResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return entities.Tenant{}, fmt.Errorf("unmarshal tenant: %v", err)
	}
	if res.Metadata.Name == "" {
		return entities.Tenant{}, errors.New("tenant has no metadata.name")
	}
	if len(res.Spec.Hosts) == 0 {
		return entities.Tenant{}, fmt.Errorf("tenant %s declares no hosts", res.Metadata.Name)
	}
	return entities.Tenant{
		Name:   namespacedName(res.Metadata),
		Config: res.Spec,
		Ref:    ref,
	}, nil
}

// ParseClient decodes a client resource and attaches the given provenance.
// The tenantname of namespaced clients is qualified with the namespace
// unless the resource already names one.
func ParseClient(data []byte, ref entities.Ref) (entities.Client, error) {
	var res ClientResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return entities.Client{}, fmt.Errorf("unmarshal client: %v", err)
	}
	if res.Metadata.Name == "" {
		return entities.Client{}, errors.New("client has no metadata.name")
	}
	if res.Spec.Ident == "" {
		return entities.Client{}, fmt.Errorf("client %s has no ident", res.Metadata.Name)
	}
	if len(res.Spec.RedirectURLs) == 0 {
		return entities.Client{}, fmt.Errorf("client %s declares no redirect_urls", res.Metadata.Name)
	}
	spec := res.Spec
	if res.Metadata.Namespace != "" && spec.TenantName != "" &&
		!containsSlash(spec.TenantName) {
		spec.TenantName = res.Metadata.Namespace + "/" + spec.TenantName
	}
	return entities.Client{
		Name:   res.Metadata.Name,
		Config: spec,
		Ref:    ref,
	}, nil
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
