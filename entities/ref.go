package entities

import "fmt"

// RefKind names the source a tenant or client was loaded from.
type RefKind string

const (
	RefKindFile       RefKind = "file"
	RefKindKubernetes RefKind = "kubernetes"
)

// Ref records the provenance of an entity. Entities loaded from disk are
// identified by their path, entities loaded from the Kubernetes API by the
// resource UID plus its resource version.
type Ref struct {
	Kind            RefKind `json:"kind"`
	Path            string  `json:"path,omitempty"`
	UID             string  `json:"uid,omitempty"`
	ResourceVersion string  `json:"resourceVersion,omitempty"`
}

// FileRef returns a Ref for an entity parsed from the given file path.
func FileRef(path string) Ref {
	return Ref{Kind: RefKindFile, Path: path}
}

// KubernetesRef returns a Ref for an entity received from the API server.
func KubernetesRef(uid, resourceVersion string) Ref {
	return Ref{Kind: RefKindKubernetes, UID: uid, ResourceVersion: resourceVersion}
}

// SameResource reports whether both refs point at the same underlying
// resource, ignoring the resource version.
func (r Ref) SameResource(o Ref) bool {
	if r.Kind != o.Kind {
		return false
	}
	switch r.Kind {
	case RefKindFile:
		return r.Path == o.Path
	case RefKindKubernetes:
		return r.UID == o.UID
	}
	return false
}

// Equal reports whether both refs identify the same version of the same
// resource.
func (r Ref) Equal(o Ref) bool {
	return r.SameResource(o) && r.ResourceVersion == o.ResourceVersion
}

func (r Ref) String() string {
	switch r.Kind {
	case RefKindFile:
		return fmt.Sprintf("file(%s)", r.Path)
	case RefKindKubernetes:
		return fmt.Sprintf("kubernetes(%s@%s)", r.UID, r.ResourceVersion)
	}
	return "unknown"
}
