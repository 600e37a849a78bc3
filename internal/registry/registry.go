// Package registry persists trained pipelines and their metadata, one set of
// files per prediction type.
package registry

import (
	"encoding/gob"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	apperrors "stockcast/internal/errors"
	"stockcast/internal/models"
	"stockcast/internal/pipeline"
)

// FormatVersion is bumped whenever the artifact or schema layout changes.
const FormatVersion = 1

// Artifact is the gob-encoded model file.
type Artifact struct {
	FormatVersion int
	Type          models.PredictionType
	FeatureNames  []string
	Pipeline      *pipeline.Pipeline
	CreatedAt     time.Time
}

// Schema is the declarative feature schema stored next to the artifact.
type Schema struct {
	FormatVersion int                   `json:"format_version"`
	ModelType     models.PredictionType `json:"model_type"`
	FeatureNames  []string              `json:"feature_names"`
	Categorical   string                `json:"categorical_feature"`
	Categories    []string              `json:"categories"`
	EncodedWidth  int                   `json:"encoded_width"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Model is a loaded artifact with its metadata. Metadata is nil when the
// metadata file is missing.
type Model struct {
	Artifact *Artifact
	Metadata *models.ModelMetadata
}

func (m *Model) Pipeline() *pipeline.Pipeline { return m.Artifact.Pipeline }

type Registry struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[models.PredictionType]*Model
}

func New(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		cache:  make(map[models.PredictionType]*Model),
	}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) artifactPath(t models.PredictionType) string {
	return filepath.Join(r.dir, string(t)+"_model.gob")
}

func (r *Registry) metadataPath(t models.PredictionType) string {
	return filepath.Join(r.dir, string(t)+"_model.json")
}

func (r *Registry) schemaPath(t models.PredictionType) string {
	return filepath.Join(r.dir, string(t)+"_model.schema.json")
}

// Save writes the artifact, schema and metadata for t. Each file is written
// to a temporary file in the same directory and renamed into place.
func (r *Registry) Save(t models.PredictionType, p *pipeline.Pipeline, meta *models.ModelMetadata) error {
	if p == nil || meta == nil {
		return fmt.Errorf("registry: nothing to save for %s", t)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	now := time.Now().UTC()
	artifact := &Artifact{
		FormatVersion: FormatVersion,
		Type:          t,
		FeatureNames:  p.FeatureNames,
		Pipeline:      p,
		CreatedAt:     now,
	}
	schema := Schema{
		FormatVersion: FormatVersion,
		ModelType:     t,
		FeatureNames:  p.FeatureNames,
		Categorical:   pipeline.ItemColumn,
		Categories:    p.Encoder.Categories,
		EncodedWidth:  p.Width(),
		CreatedAt:     now,
	}

	if err := writeAtomic(r.artifactPath(t), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(artifact)
	}); err != nil {
		return fmt.Errorf("save %s artifact: %w", t, err)
	}
	if err := writeAtomic(r.schemaPath(t), jsonWriter(schema)); err != nil {
		return fmt.Errorf("save %s schema: %w", t, err)
	}
	if err := writeAtomic(r.metadataPath(t), jsonWriter(meta)); err != nil {
		return fmt.Errorf("save %s metadata: %w", t, err)
	}

	r.mu.Lock()
	r.cache[t] = &Model{Artifact: artifact, Metadata: meta}
	r.mu.Unlock()

	r.logger.Info("model saved",
		"prediction_type", t,
		"path", r.artifactPath(t),
		"version", meta.Version,
		"products", len(meta.ValidProducts),
	)
	return nil
}

func jsonWriter(v any) func(io.Writer) error {
	return func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func writeAtomic(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load returns the model for t, reading it from disk on first use. A missing
// artifact is a ModelNotFound error.
func (r *Registry) Load(t models.PredictionType) (*Model, error) {
	r.mu.RLock()
	m, ok := r.cache[t]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[t]; ok {
		return m, nil
	}

	m, err := r.read(t)
	if err != nil {
		return nil, err
	}
	r.cache[t] = m
	return m, nil
}

func (r *Registry) read(t models.PredictionType) (*Model, error) {
	f, err := os.Open(r.artifactPath(t))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ModelNotFound(string(t))
	}
	if err != nil {
		return nil, apperrors.InternalWrap(err, fmt.Sprintf("open %s model", t))
	}
	defer f.Close()

	var artifact Artifact
	if err := gob.NewDecoder(f).Decode(&artifact); err != nil {
		return nil, apperrors.InternalWrap(err, fmt.Sprintf("decode %s model", t))
	}
	if err := r.checkSchema(t, &artifact); err != nil {
		return nil, err
	}

	meta, err := r.readMetadata(t)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		r.logger.Warn("model metadata missing", "prediction_type", t, "path", r.metadataPath(t))
	}

	r.logger.Debug("model loaded", "prediction_type", t, "features", len(artifact.FeatureNames))
	return &Model{Artifact: &artifact, Metadata: meta}, nil
}

func (r *Registry) checkSchema(t models.PredictionType, a *Artifact) error {
	if a.FormatVersion != FormatVersion {
		return apperrors.SchemaMismatch(fmt.Sprintf("%s model has format version %d, want %d", t, a.FormatVersion, FormatVersion))
	}
	if a.Pipeline == nil || a.Pipeline.Forest == nil {
		return apperrors.SchemaMismatch(fmt.Sprintf("%s model has no fitted pipeline", t))
	}

	data, err := os.ReadFile(r.schemaPath(t))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeSchemaMismatch, fmt.Sprintf("read %s feature schema", t))
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return apperrors.Wrap(err, apperrors.CodeSchemaMismatch, fmt.Sprintf("parse %s feature schema", t))
	}

	switch {
	case s.FormatVersion != FormatVersion:
		return apperrors.SchemaMismatch(fmt.Sprintf("%s schema has format version %d, want %d", t, s.FormatVersion, FormatVersion))
	case s.ModelType != t:
		return apperrors.SchemaMismatch(fmt.Sprintf("%s schema describes a %s model", t, s.ModelType))
	case !slices.Equal(s.FeatureNames, a.FeatureNames) || !slices.Equal(s.FeatureNames, a.Pipeline.FeatureNames):
		return apperrors.SchemaMismatch(fmt.Sprintf("%s feature schema does not match the model's features", t))
	case !slices.Equal(s.Categories, a.Pipeline.Encoder.Categories):
		return apperrors.SchemaMismatch(fmt.Sprintf("%s item vocabulary does not match the model's encoder", t))
	case s.EncodedWidth != a.Pipeline.Width() || a.Pipeline.Forest.NFeatures != a.Pipeline.Width():
		return apperrors.SchemaMismatch(fmt.Sprintf("%s encoded width %d does not match the model", t, s.EncodedWidth))
	}
	return nil
}

func (r *Registry) readMetadata(t models.PredictionType) (*models.ModelMetadata, error) {
	data, err := os.ReadFile(r.metadataPath(t))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.InternalWrap(err, fmt.Sprintf("read %s metadata", t))
	}
	var meta models.ModelMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, apperrors.InternalWrap(err, fmt.Sprintf("parse %s metadata", t))
	}
	slices.Sort(meta.ValidProducts)
	return &meta, nil
}

// List returns the metadata of every trained type, skipping types that have
// not been trained.
func (r *Registry) List() ([]*models.ModelMetadata, error) {
	var out []*models.ModelMetadata
	for _, t := range models.PredictionTypes {
		m, err := r.Load(t)
		if apperrors.HasCode(err, apperrors.CodeModelNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Metadata != nil {
			out = append(out, m.Metadata)
		}
	}
	return out, nil
}

// Forget drops the cached model for t so the next Load reads from disk.
func (r *Registry) Forget(t models.PredictionType) {
	r.mu.Lock()
	delete(r.cache, t)
	r.mu.Unlock()
}
