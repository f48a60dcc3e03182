// Package store owns the template lifecycle: validation, versioned publishing
// and activation.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// NodeTypeChecker reports whether a node type is executable under an engine
// version. The interpreter satisfies it, which keeps the published set and the
// executable set identical.
type NodeTypeChecker interface {
	Supports(engineVersion, nodeType string) bool
}

// Definition is the author-supplied input to Publish. The store assigns
// identity, version and timestamps.
type Definition struct {
	TemplateKey   string                      `json:"template_key"   validate:"required,min=3"`
	EngineVersion string                      `json:"engine_version" validate:"required"`
	TriggerType   models.TriggerType          `json:"trigger_type"   validate:"required"`
	EntryNodeID   string                      `json:"entry_node_id"  validate:"required"`
	Nodes         map[string]*models.FlowNode `json:"nodes"          validate:"required,min=1"`
	ClinicID      *string                     `json:"clinic_id,omitempty"`
	GroupID       *string                     `json:"group_id,omitempty"`
}

// ValidationError aggregates every violation found in a definition so authors
// can fix them in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template validation failed: %s", strings.Join(e.Violations, "; "))
}

// Store publishes and retrieves flow templates.
type Store struct {
	logger     *slog.Logger
	repository persistence.TemplateRepository
	checker    NodeTypeChecker
	validate   *validator.Validate
}

func NewStore(logger *slog.Logger, repository persistence.TemplateRepository, checker NodeTypeChecker) *Store {
	return &Store{
		logger:     logger.With("module", "store"),
		repository: repository,
		checker:    checker,
		validate:   validator.New(),
	}
}

// Publish validates the definition, assigns the next version for its key and
// persists it as an active immutable template.
func (s *Store) Publish(ctx context.Context, def Definition) (*models.Template, error) {
	if err := s.Validate(def); err != nil {
		return nil, err
	}

	version, err := s.repository.NextVersion(ctx, def.TemplateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate template version: %w", err)
	}

	now := time.Now().UTC()

	tmpl := &models.Template{
		ID:            uuid.New().String(),
		TemplateKey:   def.TemplateKey,
		Version:       version,
		EngineVersion: def.EngineVersion,
		TriggerType:   def.TriggerType,
		EntryNodeID:   def.EntryNodeID,
		Nodes:         def.Nodes,
		ClinicID:      def.ClinicID,
		GroupID:       def.GroupID,
		IsActive:      true,
		CreatedAt:     now,
		PublishedAt:   &now,
	}

	if err := s.repository.Save(ctx, tmpl); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Template published",
		"template_key", tmpl.TemplateKey,
		"version", tmpl.Version,
		"trigger_type", tmpl.TriggerType,
	)

	return tmpl, nil
}

// Validate checks a definition for structural soundness. All violations are
// collected into a single ValidationError.
func (s *Store) Validate(def Definition) error {
	violations := make([]string, 0)

	if err := s.validate.Struct(def); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fieldError := range fieldErrors {
				violations = append(violations, fmt.Sprintf("field %s failed %q validation", fieldError.Field(), fieldError.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	if def.EngineVersion != "" && def.EngineVersion != models.EngineVersionV2 {
		violations = append(violations, fmt.Sprintf("engine version %q is not executable", def.EngineVersion))
	}

	if len(def.Nodes) > 0 {
		violations = append(violations, s.validateGraph(def)...)
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}

	return nil
}

func (s *Store) validateGraph(def Definition) []string {
	violations := make([]string, 0)

	if def.EntryNodeID != "" {
		if _, ok := def.Nodes[def.EntryNodeID]; !ok {
			violations = append(violations, fmt.Sprintf("entry node %q does not exist", def.EntryNodeID))
		}
	}

	for id, node := range def.Nodes {
		if node == nil {
			violations = append(violations, fmt.Sprintf("node %q has no definition", id))

			continue
		}

		if node.ID != id {
			violations = append(violations, fmt.Sprintf("node %q declares mismatched id %q", id, node.ID))
		}

		if def.EngineVersion == models.EngineVersionV2 && !s.checker.Supports(def.EngineVersion, node.Type) {
			violations = append(violations, fmt.Sprintf("node %q has unsupported type %q", id, node.Type))
		}

		for edge, target := range node.Edges {
			if _, ok := def.Nodes[target]; !ok {
				violations = append(violations, fmt.Sprintf("node %q edge %q points to unknown node %q", id, edge, target))
			}
		}

		violations = append(violations, validateNodeParams(node)...)
	}

	violations = append(violations, findBusyCycles(def.Nodes)...)

	return violations
}

// findBusyCycles rejects cycles that contain no wait node. Such a cycle would
// spin the scheduler without ever suspending.
func findBusyCycles(nodes map[string]*models.FlowNode) []string {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(nodes))
	violations := make([]string, 0)

	var visit func(id string) bool

	visit = func(id string) bool {
		node, ok := nodes[id]
		if !ok || node == nil {
			return false
		}

		// Wait nodes break the busy cycle: the execution suspends there.
		if node.IsWaitNode() {
			return false
		}

		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}

		state[id] = visiting

		for _, target := range node.Edges {
			if visit(target) {
				state[id] = done

				return true
			}
		}

		state[id] = done

		return false
	}

	for id, node := range nodes {
		if node == nil || node.IsWaitNode() {
			continue
		}

		if state[id] == unvisited && visit(id) {
			violations = append(violations, fmt.Sprintf("cycle through node %q has no wait node", id))
		}
	}

	return violations
}

// Get returns a specific published template version.
func (s *Store) Get(ctx context.Context, key string, version int) (*models.Template, error) {
	return s.repository.GetByKeyVersion(ctx, key, version)
}

// LatestActive returns the newest active version for the key.
func (s *Store) LatestActive(ctx context.Context, key string) (*models.Template, error) {
	return s.repository.LatestActive(ctx, key)
}

// Deactivate retires a template version. In-flight executions pinned to it
// keep running; it just stops matching new triggers.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	if err := s.repository.SetActive(ctx, id, false); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Template deactivated", "template_id", id)

	return nil
}
