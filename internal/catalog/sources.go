package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/pkg/schema"
)

// definitionExts are tried in order when resolving a service type to a file.
var definitionExts = []string{".yaml", ".yml", ".json"}

// FileSource reads <dir>/<serviceType>.{yaml,yml,json}. JSON files are read
// with the YAML decoder, which accepts them unchanged.
type FileSource struct {
	Dir string
}

func (s FileSource) Fetch(_ context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	if serviceType == "" || strings.ContainsAny(serviceType, `/\`) || strings.HasPrefix(serviceType, ".") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid service type %q", serviceType)
	}

	for _, ext := range definitionExts {
		path := filepath.Join(s.Dir, serviceType+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read definition %s: %w", path, err)
		}
		return ParseDefinition(data)
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition file for service type %q in %s", serviceType, s.Dir)
}

// ServiceTypeForPath maps a definition file path back to its service type.
// ok is false for files that are not definitions.
func ServiceTypeForPath(path string) (string, bool) {
	base := filepath.Base(path)
	for _, ext := range definitionExts {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext), true
		}
	}
	return "", false
}

// ParseDefinition decodes a YAML or JSON definition document.
func ParseDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// StaticSource serves definitions from memory.
type StaticSource struct {
	mu   sync.RWMutex
	defs map[string]*schema.WorkflowDefinition
}

func NewStaticSource(defs ...*schema.WorkflowDefinition) *StaticSource {
	s := &StaticSource{defs: make(map[string]*schema.WorkflowDefinition, len(defs))}
	for _, d := range defs {
		s.Set(d)
	}
	return s
}

// Set registers def under its ServiceType, or its Name when that is empty.
func (s *StaticSource) Set(def *schema.WorkflowDefinition) {
	key := def.ServiceType
	if key == "" {
		key = def.Name
	}
	s.mu.Lock()
	s.defs[key] = def
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(_ context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	def, ok := s.defs[serviceType]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition for service type %q", serviceType)
	}
	cp := *def
	cp.Steps = append([]schema.Step(nil), def.Steps...)
	cp.Transitions = append([]schema.Transition(nil), def.Transitions...)
	cp.FinalSteps = append([]string(nil), def.FinalSteps...)
	return &cp, nil
}

// DefinitionFetcher is the part of the remote authority the catalog uses.
type DefinitionFetcher interface {
	FetchDefinition(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error)
}

// AuthoritySource loads definitions from the authority's
// GET /workflow/{serviceType} endpoint.
type AuthoritySource struct {
	Authority DefinitionFetcher
}

func (s AuthoritySource) Fetch(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	return s.Authority.FetchDefinition(ctx, serviceType)
}
