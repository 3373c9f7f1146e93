package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowpilot/internal/authority"
	"github.com/rendis/flowpilot/internal/catalog"
	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/remote"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// hubBuffer is the per-subscriber channel size of the event hub.
const hubBuffer = 256

// stack is the wired client-side orchestrator.
type stack struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.TracerProvider
	authority remote.Authority
	local     *authority.Local // non-nil when running without a remote authority
	catalog   *catalog.Catalog
	registry  *registry.Registry
	hub       *streaming.MemoryHub
	journal   store.Journal
	decisions *decision.Coordinator
	executor  *engine.FlowExecutor

	closers []func(context.Context) error
}

// buildStack wires every component from cfg. Call close when done.
func buildStack(ctx context.Context, cfg Config, logger *slog.Logger) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger}

	tp, shutdown, err := newTracerProvider(cfg)
	if err != nil {
		return nil, err
	}
	s.tracer = tp
	s.closers = append(s.closers, shutdown)

	if err := s.wireAuthority(); err != nil {
		_ = s.close(ctx)
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = s.close(ctx)
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(cel)
	if err != nil {
		_ = s.close(ctx)
		return nil, fmt.Errorf("create validator: %w", err)
	}

	s.catalog = catalog.New(s.definitionSource(), validator, logger)

	if uri := cfg.journalURI(); uri != "" {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(uri, "file:")), 0o700); err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		j, err := store.OpenLibSQL(ctx, uri)
		if err != nil {
			_ = s.close(ctx)
			return nil, err
		}
		s.journal = j
		s.closers = append(s.closers, func(context.Context) error { return j.Close() })
	} else {
		s.journal = store.NewMemoryJournal()
	}

	s.registry = registry.New()
	s.hub = streaming.NewMemoryHub(hubBuffer)
	s.decisions = decision.New(s.registry, decision.Config{
		TombstoneTTL: cfg.DecisionTombstoneTTL,
		Hub:          s.hub,
		Logger:       logger,
	})
	s.executor = engine.NewExecutor(engine.Deps{
		Definitions: s.catalog,
		Registry:    s.registry,
		Authority:   s.authority,
		Decisions:   s.decisions,
		Journal:     s.journal,
		Hub:         s.hub,
	}, engine.Config{
		Session:              cfg.session(),
		MaxAutoContinueDepth: cfg.MaxAutoContinueDepth,
		PoolSize:             cfg.PoolSize,
		Logger:               logger,
		TracerProvider:       tp,
	})
	s.closers = append(s.closers, func(context.Context) error {
		s.executor.Shutdown()
		return nil
	})
	return s, nil
}

// wireAuthority picks the remote authority, or an in-process one over the
// definitions directory when no URL is configured.
func (s *stack) wireAuthority() error {
	if s.cfg.AuthorityURL != "" {
		var opts []remote.ClientOption
		if sess := s.cfg.session(); sess != nil {
			opts = append(opts, remote.WithSession(sess))
		}
		s.authority = remote.NewClient(s.cfg.AuthorityURL, opts...)
		return nil
	}
	if s.cfg.DefinitionsDir == "" {
		return errors.New("authority_url or definitions_dir is required")
	}
	local, err := newLocalAuthority(s.cfg.DefinitionsDir, nil, s.logger)
	if err != nil {
		return err
	}
	s.local = local
	s.authority = local
	s.logger.Info("using in-process authority", "definitions_dir", s.cfg.DefinitionsDir, "service_types", local.ServiceTypes())
	return nil
}

// definitionSource reads the definitions directory when one is configured,
// keeping an in-process authority in step with the files, and otherwise
// asks the authority.
func (s *stack) definitionSource() catalog.Source {
	if s.cfg.DefinitionsDir == "" {
		return catalog.AuthoritySource{Authority: s.authority}
	}
	files := catalog.FileSource{Dir: s.cfg.DefinitionsDir}
	if s.local == nil {
		return files
	}
	return catalog.SourceFunc(func(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
		def, err := files.Fetch(ctx, serviceType)
		if err != nil {
			return nil, err
		}
		def.ServiceType = serviceType
		if err := s.local.Register(def); err != nil {
			return nil, err
		}
		return def, nil
	})
}

// close releases resources in reverse order of acquisition.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

// newLocalAuthority registers every definition file in dir.
func newLocalAuthority(dir string, b *authority.Broadcaster, logger *slog.Logger) (*authority.Local, error) {
	defs, err := loadDefinitions(dir)
	if err != nil {
		return nil, err
	}
	local, err := authority.NewLocal(authority.Config{Broadcaster: b, Logger: logger}, defs...)
	if err != nil {
		return nil, fmt.Errorf("register definitions: %w", err)
	}
	return local, nil
}

// loadDefinitions reads every definition file in dir, keyed by file name.
func loadDefinitions(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	src := catalog.FileSource{Dir: dir}
	seen := make(map[string]bool)
	var defs []*schema.WorkflowDefinition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		serviceType, ok := catalog.ServiceTypeForPath(e.Name())
		if !ok || seen[serviceType] {
			continue
		}
		seen[serviceType] = true
		def, err := src.Fetch(context.Background(), serviceType)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		if def.ServiceType == "" {
			def.ServiceType = serviceType
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definitions in %s", dir)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ServiceType < defs[j].ServiceType })
	return defs, nil
}

// newTracerProvider installs a stdout span exporter when trace_stdout is set.
// Spans go to stderr since stdout carries the MCP transport.
func newTracerProvider(cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.TraceStdout {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
