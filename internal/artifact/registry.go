// Package artifact provides the schema registry used to validate artifact
// and evidence payloads at phase boundaries.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// FieldError is a single schema violation with a dotted field path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Registry resolves schema references to compiled validators.
// Schemas are registered once at startup; Validate is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
	printer *message.Printer
}

// NewRegistry creates an empty schema registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
		printer: message.NewPrinter(language.English),
	}
}

// Add compiles raw schema JSON and registers it under ref.
func (r *Registry) Add(ref string, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse schema %s: %w", ref, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(ref, doc); err != nil {
		return fmt.Errorf("add schema resource %s: %w", ref, err)
	}
	schema, err := compiler.Compile(ref)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", ref, err)
	}

	r.mu.Lock()
	r.schemas[ref] = schema
	r.mu.Unlock()

	r.logger.Debug("registered artifact schema", "ref", ref)
	return nil
}

// LoadFS registers every *.json file under root in fsys, keyed by base name
// without the extension. Used for the embedded default schemas.
func (r *Registry) LoadFS(fsys fs.FS, root string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", path, err)
		}
		return r.Add(schemaRef(path), raw)
	})
}

// LoadDir registers every *.json file in dir, keyed by base name without the
// extension. On-disk schemas override embedded ones with the same name.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schema directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := r.Add(schemaRef(entry.Name()), raw); err != nil {
			return err
		}
	}
	return nil
}

// schemaRef derives the registry key from a schema file path.
func schemaRef(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// Has reports whether ref resolves to a registered schema.
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[ref]
	return ok
}

// Validate checks payload against the schema named by ref.
// An unknown ref is a hard error; schema violations are returned as
// field-path-qualified FieldErrors with a nil error.
func (r *Registry) Validate(ref string, payload any) ([]FieldError, error) {
	r.mu.RLock()
	schema, ok := r.schemas[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, wardenerrors.ErrSchemaUnknown(ref)
	}

	// Round-trip through jsonschema's decoder so numbers carry the
	// representation the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", ref, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", ref, err)
	}

	if err := schema.Validate(doc); err != nil {
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			return r.flatten(vErr), nil
		}
		return []FieldError{{Message: err.Error()}}, nil
	}
	return nil, nil
}

// flatten walks the validation error tree and returns one FieldError per
// leaf cause, with dotted instance paths.
func (r *Registry) flatten(e *jsonschema.ValidationError) []FieldError {
	if len(e.Causes) == 0 {
		return []FieldError{{
			Path:    strings.Join(e.InstanceLocation, "."),
			Message: e.ErrorKind.LocalizedString(r.printer),
		}}
	}
	var out []FieldError
	for _, cause := range e.Causes {
		out = append(out, r.flatten(cause)...)
	}
	return out
}
