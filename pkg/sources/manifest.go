package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

// Manifest is a primary resource read from a YAML file.
type Manifest struct {
	id       engine.ResourceID
	version  string
	path     string
	labels   map[string]string
	spec     map[string]interface{}
	deleting bool
}

// manifestDocument is the on-disk layout of a manifest.
type manifestDocument struct {
	Name      string                 `yaml:"name"`
	Namespace string                 `yaml:"namespace"`
	Labels    map[string]string      `yaml:"labels"`
	Spec      map[string]interface{} `yaml:"spec"`
}

// ParseManifest decodes a manifest. The name defaults to the base name of
// path without extension, the namespace to defaultNamespace.
func ParseManifest(path string, data []byte, defaultNamespace string) (*Manifest, error) {
	var doc manifestDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if doc.Namespace == "" {
		doc.Namespace = defaultNamespace
	}
	if strings.Contains(doc.Name, "/") || strings.Contains(doc.Namespace, "/") {
		return nil, fmt.Errorf("manifest %s: name and namespace must not contain '/'", path)
	}
	if doc.Spec == nil {
		doc.Spec = map[string]interface{}{}
	}
	if doc.Labels == nil {
		doc.Labels = map[string]string{}
	}

	sum := sha256.Sum256(data)
	return &Manifest{
		id:      engine.NewResourceID(doc.Name, doc.Namespace),
		version: hex.EncodeToString(sum[:8]),
		path:    path,
		labels:  doc.Labels,
		spec:    doc.Spec,
	}, nil
}

// ResourceID implements engine.Resource.
func (m *Manifest) ResourceID() engine.ResourceID { return m.id }

// ResourceVersion is a digest of the file content. Tombstones carry a
// distinct version.
func (m *Manifest) ResourceVersion() string { return m.version }

// Path returns the file the manifest was read from.
func (m *Manifest) Path() string { return m.path }

// Spec returns the desired state declared by the manifest.
func (m *Manifest) Spec() map[string]interface{} { return m.spec }

// Labels returns the manifest labels.
func (m *Manifest) Labels() map[string]string { return m.labels }

// MarkedForDeletion reports whether the file is gone and cleanup is pending.
func (m *Manifest) MarkedForDeletion() bool { return m.deleting }

// tombstone returns a copy of m marked for deletion.
func (m *Manifest) tombstone() *Manifest {
	t := *m
	t.deleting = true
	t.version = m.version + "-deleted"
	return &t
}
