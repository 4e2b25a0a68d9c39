package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// MaxInheritanceDepth bounds the inherits chain.
const MaxInheritanceDepth = 10

var (
	// ErrEmptySource is returned for a blank configuration source.
	ErrEmptySource = errors.New("configuration source is empty")
	// ErrInheritanceCycle is returned when a document inherits itself.
	ErrInheritanceCycle = errors.New("inheritance cycle")
	// ErrInheritanceDepth is returned when the chain exceeds MaxInheritanceDepth.
	ErrInheritanceDepth = errors.New("inheritance chain too deep")
)

// DocumentFetcher fetches remote documents.
type DocumentFetcher interface {
	Fetch(ctx context.Context, desc source.Descriptor, creds auth.Credentials) fetch.Result
}

// LoadError wraps a failure to read or decode one document.
type LoadError struct {
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Location, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Loader loads and validates environment documents.
type Loader struct {
	fs      afero.Fs
	fetcher DocumentFetcher
	creds   auth.Credentials
	locator source.Locator
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFs sets the filesystem local documents are read from.
func WithFs(fs afero.Fs) LoaderOption {
	return func(l *Loader) {
		if fs != nil {
			l.fs = fs
		}
	}
}

// WithFetcher sets the fetcher used for remote and named documents.
func WithFetcher(f DocumentFetcher) LoaderOption {
	return func(l *Loader) {
		l.fetcher = f
	}
}

// WithCredentials sets the credentials passed to the fetcher.
func WithCredentials(creds auth.Credentials) LoaderOption {
	return func(l *Loader) {
		l.creds = creds
	}
}

// WithLocator sets the locator used for named sources and the default base.
func WithLocator(loc source.Locator) LoaderOption {
	return func(l *Loader) {
		l.locator = loc
	}
}

// NewLoader creates a loader reading local files from the OS filesystem.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load classifies input and loads it.
func (l *Loader) Load(ctx context.Context, input string) (*EnvironmentConfig, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptySource
	}
	return l.LoadSource(ctx, source.Classify(input))
}

// LoadSource loads src with its inheritance chain, resolves references and
// validates the result. Validation failures are returned as
// ValidationErrors together with the decoded config.
func (l *Loader) LoadSource(ctx context.Context, src source.Source) (*EnvironmentConfig, error) {
	root := l.locator.Descriptor(src)
	if root.IsLocal() {
		root = source.DescriptorFor(absPath(root.Location))
	}

	merged, chain, err := l.loadChain(ctx, root, 0, map[string]bool{})
	if err != nil {
		return nil, err
	}

	cfg, warnings, err := decode(merged)
	if err != nil {
		return nil, &LoadError{Location: root.Location, Err: err}
	}
	cfg.Origin = root.Location
	cfg.Chain = chain
	cfg.Warnings = warnings

	chainBases := source.BaseChain{
		Explicit: l.explicitBase(cfg.BaseURL, root.Location),
		Default:  l.locator.Base(),
	}
	// Only a remote root contributes its own base. A local root opts in with
	// `base-url: .`, and a named root resolves against the default base.
	if src.Kind == source.KindRemote {
		chainBases.Origin = source.BaseOf(root.Location)
	}
	resolveReferences(cfg, chainBases)

	logger.FromContext(ctx).Debug("configuration loaded",
		"name", cfg.Name, "origin", cfg.Origin, "chain", len(chain))

	if err := NewValidator().Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) loadChain(ctx context.Context, desc source.Descriptor, depth int, visiting map[string]bool) (map[string]any, []string, error) {
	if depth > MaxInheritanceDepth {
		return nil, nil, &LoadError{Location: desc.Location, Err: ErrInheritanceDepth}
	}
	if visiting[desc.Location] {
		return nil, nil, &LoadError{Location: desc.Location, Err: ErrInheritanceCycle}
	}
	visiting[desc.Location] = true

	doc, err := l.readDocument(ctx, desc)
	if err != nil {
		return nil, nil, err
	}

	parentRef, _ := doc["inherits"].(string)
	if strings.TrimSpace(parentRef) == "" {
		return doc, []string{desc.Location}, nil
	}

	parentDesc := l.parentDescriptor(parentRef, desc.Location)
	parent, chain, err := l.loadChain(ctx, parentDesc, depth+1, visiting)
	if err != nil {
		return nil, nil, err
	}
	return Overlay(parent, doc), append([]string{desc.Location}, chain...), nil
}

// parentDescriptor resolves an inherits reference relative to the child.
func (l *Loader) parentDescriptor(ref, child string) source.Descriptor {
	src := source.Classify(ref)
	switch src.Kind {
	case source.KindRemote:
		return source.DescriptorFor(src.URL)
	case source.KindNamed:
		return l.locator.Descriptor(src)
	}
	if source.IsURL(child) {
		return source.DescriptorFor(source.Join(source.BaseOf(child), filepath.ToSlash(src.Path)))
	}
	return source.DescriptorFor(source.Resolve(src.Path, source.BaseChain{Origin: source.BaseOf(child)}))
}

// explicitBase returns the document's base-url, resolving a relative local
// value against the root document's directory.
func (l *Loader) explicitBase(baseURL, root string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" || source.IsURL(baseURL) {
		return baseURL
	}
	return source.Resolve(baseURL, source.BaseChain{Origin: source.BaseOf(root)})
}

func (l *Loader) readDocument(ctx context.Context, desc source.Descriptor) (map[string]any, error) {
	var data []byte
	if desc.IsLocal() {
		b, err := afero.ReadFile(l.fs, desc.Location)
		if err != nil {
			return nil, &LoadError{Location: desc.Location, Err: err}
		}
		data = b
	} else {
		if l.fetcher == nil {
			return nil, &LoadError{Location: desc.Location, Err: errors.New("no fetcher configured for remote documents")}
		}
		res := l.fetcher.Fetch(ctx, desc, l.creds)
		if !res.OK() {
			return nil, &LoadError{Location: desc.Location, Err: res.Err}
		}
		data = res.Body
	}

	doc, err := parseDocument(data, source.DerivedFilename(desc.Location))
	if err != nil {
		return nil, &LoadError{Location: desc.Location, Err: err}
	}
	normalizeAliases(doc)
	return doc, nil
}

// parseDocument decodes YAML, or TOML for .toml files, into a generic map.
func parseDocument(data []byte, filename string) (map[string]any, error) {
	doc := map[string]any{}
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decode maps the merged document onto EnvironmentConfig. Unknown keys are
// reported as warnings.
func decode(doc map[string]any) (*EnvironmentConfig, []string, error) {
	var cfg EnvironmentConfig
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           &cfg,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, nil, err
	}

	var warnings []string
	unused := append([]string(nil), md.Unused...)
	sort.Strings(unused)
	for _, key := range unused {
		warnings = append(warnings, fmt.Sprintf("unknown key %q ignored", key))
	}
	return &cfg, warnings, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
