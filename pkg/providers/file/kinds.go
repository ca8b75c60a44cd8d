package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

const (
	// KindDirectory manages a directory.
	KindDirectory = "directory"

	// KindTemplate manages a file rendered from a template.
	KindTemplate = "template"
)

// DirectoryParams configures a directory dependent.
type DirectoryParams struct {
	// Path of the directory. Rendered as a template without Values.
	Path string `yaml:"path" validate:"required"`

	// Mode is an octal permission string, default "0755".
	Mode string `yaml:"mode,omitempty"`

	// Prune removes the directory with its content on delete. Otherwise only
	// an empty directory is removed.
	Prune bool `yaml:"prune,omitempty"`
}

// TemplateParams configures a template dependent.
type TemplateParams struct {
	// Path of the output file. Rendered as a template without Values.
	Path string `yaml:"path" validate:"required"`

	// Template is the inline content template.
	Template string `yaml:"template,omitempty" validate:"required_without=Source"`

	// Source is a file holding the content template.
	Source string `yaml:"source,omitempty" validate:"required_without=Template,excluded_with=Template"`

	// Mode is an octal permission string, default "0644".
	Mode string `yaml:"mode,omitempty"`
}

// templateData is what path and content templates see.
type templateData struct {
	Name      string
	Namespace string
	Spec      map[string]interface{}
	Labels    map[string]string
	Values    map[string]interface{}
}

type specHolder interface {
	Spec() map[string]interface{}
	Labels() map[string]string
}

// newTemplateData collects what templates see. Values are only filled in for
// content: paths must render in cleanup passes too, where earlier dependents
// did not run.
func newTemplateData(primary engine.Resource, wc *workflow.Context) templateData {
	id := primary.ResourceID()
	data := templateData{
		Name:      id.Name,
		Namespace: id.Namespace,
		Spec:      map[string]interface{}{},
		Labels:    map[string]string{},
		Values:    map[string]interface{}{},
	}
	if h, ok := primary.(specHolder); ok {
		if spec := h.Spec(); spec != nil {
			data.Spec = spec
		}
		if labels := h.Labels(); labels != nil {
			data.Labels = labels
		}
	}
	if wc != nil {
		data.Values = wc.Values()
	}
	return data
}

func parseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
}

func render(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func parseMode(s string, def fs.FileMode) (fs.FileMode, error) {
	if s == "" {
		return def, nil
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return fs.FileMode(mode), nil
}

func (r *Registry) directory(name string, params map[string]interface{}) (workflow.Operations, error) {
	var p DirectoryParams
	if err := decodeParams(params, &p); err != nil {
		return workflow.Operations{}, err
	}
	mode, err := parseMode(p.Mode, 0o755)
	if err != nil {
		return workflow.Operations{}, err
	}
	pathTmpl, err := parseTemplate(name+".path", p.Path)
	if err != nil {
		return workflow.Operations{}, fmt.Errorf("invalid path template: %w", err)
	}

	d := &directory{name: name, path: pathTmpl, mode: mode, prune: p.Prune, registry: r}
	return workflow.Operations{Reconcile: d.reconcile, Delete: d.delete}, nil
}

type directory struct {
	name     string
	path     *template.Template
	mode     fs.FileMode
	prune    bool
	registry *Registry
}

func (d *directory) reconcile(ctx context.Context, primary engine.Resource, wc *workflow.Context) error {
	path, err := render(d.path, newTemplateData(primary, nil))
	if err != nil {
		return fmt.Errorf("failed to render path: %w", err)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s exists and is not a directory", path)
	case err == nil:
		if info.Mode().Perm() != d.mode {
			if err := os.Chmod(path, d.mode); err != nil {
				return err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, d.mode); err != nil {
			return err
		}
		d.registry.logger.WithResourceID(primary.ResourceID().String()).Debugf("created directory %s", path)
	default:
		return err
	}

	if wc != nil {
		wc.Set(d.name, path)
	}
	return nil
}

func (d *directory) delete(ctx context.Context, primary engine.Resource, wc *workflow.Context) error {
	path, err := render(d.path, newTemplateData(primary, nil))
	if err != nil {
		return fmt.Errorf("failed to render path: %w", err)
	}

	if d.prune {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	d.registry.logger.WithResourceID(primary.ResourceID().String()).Debugf("removed directory %s", path)
	return nil
}

func (r *Registry) template(name string, params map[string]interface{}) (workflow.Operations, error) {
	var p TemplateParams
	if err := decodeParams(params, &p); err != nil {
		return workflow.Operations{}, err
	}
	mode, err := parseMode(p.Mode, 0o644)
	if err != nil {
		return workflow.Operations{}, err
	}

	text := p.Template
	if p.Source != "" {
		data, err := os.ReadFile(p.Source)
		if err != nil {
			return workflow.Operations{}, fmt.Errorf("failed to read template source: %w", err)
		}
		text = string(data)
	}

	pathTmpl, err := parseTemplate(name+".path", p.Path)
	if err != nil {
		return workflow.Operations{}, fmt.Errorf("invalid path template: %w", err)
	}
	contentTmpl, err := parseTemplate(name, text)
	if err != nil {
		return workflow.Operations{}, fmt.Errorf("invalid content template: %w", err)
	}

	t := &templateFile{name: name, path: pathTmpl, content: contentTmpl, mode: mode, registry: r}
	return workflow.Operations{Reconcile: t.reconcile, Delete: t.delete}, nil
}

type templateFile struct {
	name     string
	path     *template.Template
	content  *template.Template
	mode     fs.FileMode
	registry *Registry
}

func (t *templateFile) reconcile(ctx context.Context, primary engine.Resource, wc *workflow.Context) error {
	path, err := render(t.path, newTemplateData(primary, nil))
	if err != nil {
		return fmt.Errorf("failed to render path: %w", err)
	}
	content, err := render(t.content, newTemplateData(primary, wc))
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	current, err := os.ReadFile(path)
	switch {
	case err == nil && string(current) == content:
		// Up to date.
	case err == nil || errors.Is(err, fs.ErrNotExist):
		if err := writeFileAtomic(path, []byte(content), t.mode); err != nil {
			return err
		}
		t.registry.logger.WithResourceID(primary.ResourceID().String()).Debugf("wrote %s", path)
	default:
		return err
	}

	if wc != nil {
		wc.Set(t.name, path)
	}
	return nil
}

func (t *templateFile) delete(ctx context.Context, primary engine.Resource, wc *workflow.Context) error {
	path, err := render(t.path, newTemplateData(primary, nil))
	if err != nil {
		return fmt.Errorf("failed to render path: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic replaces path so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
