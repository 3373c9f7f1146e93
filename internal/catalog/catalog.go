// Package catalog loads workflow definitions by service type and caches them.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Source fetches a definition from wherever definitions live.
type Source interface {
	Fetch(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error)

func (f SourceFunc) Fetch(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	return f(ctx, serviceType)
}

// Catalog caches validated definitions by service type. Concurrent loads of
// the same key share one fetch; failed loads are not cached.
type Catalog struct {
	source    Source
	validator validation.Validator
	logger    *slog.Logger

	mu    sync.RWMutex
	defs  map[string]*schema.WorkflowDefinition
	group singleflight.Group
}

// New creates a Catalog. validator may be nil to skip validation.
func New(source Source, validator validation.Validator, logger *slog.Logger) *Catalog {
	return &Catalog{
		source:    source,
		validator: validator,
		logger:    logging.OrDefault(logger),
		defs:      make(map[string]*schema.WorkflowDefinition),
	}
}

// Load returns the cached definition or fetches, validates and caches it.
// Concurrent loads of one service type share a single fetch. That fetch is
// detached from any one caller's cancellation; each caller stops waiting
// when its own ctx ends.
func (c *Catalog) Load(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	if def, ok := c.Get(serviceType); ok {
		return def, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(serviceType, func() (any, error) {
		if def, ok := c.Get(serviceType); ok {
			return def, nil
		}
		return c.fetch(fetchCtx, serviceType)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.logger.DebugContext(ctx, "definition load shared", logging.AttrServiceType, serviceType)
		}
		return r.Val.(*schema.WorkflowDefinition), nil
	}
}

func (c *Catalog) fetch(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	ctx = logging.WithServiceType(ctx, serviceType)

	def, err := c.source.Fetch(ctx, serviceType)
	if err != nil {
		c.logger.WarnContext(ctx, "definition load failed", "error", err)
		return nil, err
	}
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition for service type %q", serviceType)
	}
	if def.ServiceType == "" {
		def.ServiceType = serviceType
	}

	if c.validator != nil {
		if err := c.validator.ValidateDefinition(def); err != nil {
			c.logger.WarnContext(ctx, "definition rejected", "error", err)
			return nil, err
		}
	}
	def.Index()

	c.mu.Lock()
	c.defs[serviceType] = def
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "definition loaded",
		"name", def.Name, "version", def.Version, "steps", len(def.Steps))
	return def, nil
}

// Get is a synchronous cache lookup.
func (c *Catalog) Get(serviceType string) (*schema.WorkflowDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[serviceType]
	return def, ok
}

// WaitLoaded loads serviceType, retrying per policy until it succeeds or the
// policy is exhausted.
func (c *Catalog) WaitLoaded(ctx context.Context, serviceType string, policy retry.Policy) (*schema.WorkflowDefinition, error) {
	var def *schema.WorkflowDefinition
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		var err error
		def, err = c.Load(ctx, serviceType)
		if err == nil || schema.HasCode(err, schema.ErrCodeValidation) {
			return err
		}
		c.logger.DebugContext(ctx, "definition not loaded yet",
			logging.AttrServiceType, serviceType, "attempt", attempt+1)
		return schema.NewErrorf(schema.ErrCodeNotLoaded, "definition %q not loaded", serviceType).WithCause(err)
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// Put caches def directly, validating it first. Used for embedded definitions.
func (c *Catalog) Put(def *schema.WorkflowDefinition) error {
	if def == nil || def.ServiceType == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition needs a serviceType to be cached")
	}
	if c.validator != nil {
		if err := c.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	def.Index()

	c.mu.Lock()
	c.defs[def.ServiceType] = def
	c.mu.Unlock()
	return nil
}

// Invalidate drops a cached definition; executions already running keep
// the definition they started with.
func (c *Catalog) Invalidate(serviceType string) {
	c.mu.Lock()
	delete(c.defs, serviceType)
	c.mu.Unlock()
	c.group.Forget(serviceType)
}

// Keys returns the cached service types, sorted.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.defs))
	for k := range c.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
