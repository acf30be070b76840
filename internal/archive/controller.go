// Package archive implements soft deletion: the Active/Archived state machine
// and the cascade and reparent strategies for hierarchical entities.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"labtrack/internal/audit"
	"labtrack/internal/metrics"
	"labtrack/internal/store"
)

var (
	ErrUnsupportedOption = errors.New("cascade and reparent apply only to hierarchical entities")
	ErrCycle             = errors.New("parent would create a cycle")
)

// Store is the slice of the entity store the controller mutates.
type Store interface {
	GetEntity(ctx context.Context, entityType, id string, filter store.ArchiveFilter) (store.Entity, error)
	UpdateEntity(ctx context.Context, item store.Entity) error
	ListChildren(ctx context.Context, entityType string, parentIDs []string) ([]store.Entity, error)
	ArchiveEntities(ctx context.Context, entityType string, ids []string, at time.Time) ([]string, error)
	ReparentChildren(ctx context.Context, entityType, parentID string, newParent *string) ([]string, error)
}

// Hook observes state transitions after they are persisted. Errors are logged.
type Hook interface {
	OnArchive(ctx context.Context, e store.Entity) error
	OnRestore(ctx context.Context, e store.Entity) error
}

type Options struct {
	Cascade  bool `json:"cascade"`
	Reparent bool `json:"reparent"`
}

func (o Options) mode() string {
	switch {
	case o.Cascade:
		return "cascade"
	case o.Reparent:
		return "reparent"
	default:
		return "single"
	}
}

type Result struct {
	ArchivedCount int      `json:"archivedCount"`
	ArchivedIDs   []string `json:"archivedIds"`
	Reparented    []string `json:"reparentedIds,omitempty"`
}

// IsHierarchical reports whether entities of this type form a parentId tree.
func IsHierarchical(entityType string) bool {
	return entityType == store.TypeMilestone
}

type Controller struct {
	store    Store
	recorder *audit.Recorder
	hooks    []Hook
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewController(s Store, recorder *audit.Recorder, logger zerolog.Logger, m *metrics.Metrics, hooks ...Hook) *Controller {
	return &Controller{
		store:    s,
		recorder: recorder,
		hooks:    hooks,
		logger:   logger.With().Str("component", "archive").Logger(),
		metrics:  m,
	}
}

// Archive soft-deletes the entity and, depending on opts, its subtree. Calling
// it on an archived entity writes nothing unless a cascade finds descendants
// that are still active.
func (c *Controller) Archive(ctx context.Context, actorID, entityType, id string, opts Options) (Result, error) {
	if (opts.Cascade || opts.Reparent) && !IsHierarchical(entityType) {
		return Result{}, ErrUnsupportedOption
	}
	root, err := c.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return Result{}, err
	}

	var result Result
	switch {
	case opts.Cascade:
		result, err = c.archiveSubtree(ctx, actorID, root)
	case opts.Reparent:
		result, err = c.archiveAndReparent(ctx, actorID, root)
	default:
		result, err = c.archiveNodes(ctx, actorID, entityType, []store.Entity{root})
	}
	if err != nil {
		return Result{}, err
	}
	c.metrics.EntitiesArchived(entityType, opts.mode(), result.ArchivedCount)
	return result, nil
}

// archiveSubtree collects the whole tree breadth-first, one read per level,
// then archives it in one batch.
func (c *Controller) archiveSubtree(ctx context.Context, actorID string, root store.Entity) (Result, error) {
	nodes := []store.Entity{root}
	visited := map[string]struct{}{root.ID: {}}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		children, err := c.store.ListChildren(ctx, root.Type, frontier)
		if err != nil {
			return Result{}, fmt.Errorf("collect descendants of %s: %w", root.ID, err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			nodes = append(nodes, child)
			frontier = append(frontier, child.ID)
		}
	}
	return c.archiveNodes(ctx, actorID, root.Type, nodes)
}

func (c *Controller) archiveAndReparent(ctx context.Context, actorID string, root store.Entity) (Result, error) {
	if root.IsArchived() {
		return Result{ArchivedIDs: []string{}}, nil
	}
	children, err := c.store.ListChildren(ctx, root.Type, []string{root.ID})
	if err != nil {
		return Result{}, fmt.Errorf("load children of %s: %w", root.ID, err)
	}
	moved, err := c.store.ReparentChildren(ctx, root.Type, root.ID, root.ParentID)
	if err != nil {
		return Result{}, fmt.Errorf("reparent children of %s: %w", root.ID, err)
	}

	byID := make(map[string]store.Entity, len(children))
	for _, child := range children {
		byID[child.ID] = child
	}
	at := c.recorder.Now()
	for _, childID := range moved {
		child, ok := byID[childID]
		if !ok {
			child = store.Entity{ID: childID, Type: root.Type, ProjectID: root.ProjectID}
		}
		previous := map[string]any{store.KeyParentID: root.ID}
		next := map[string]any{store.KeyParentID: nil}
		if root.ParentID != nil {
			next[store.KeyParentID] = *root.ParentID
		}
		c.recorder.RecordUpdateAt(ctx, actorID, audit.RefFor(child), previous, next, []string{store.KeyParentID}, at)
	}

	result, err := c.archiveNodes(ctx, actorID, root.Type, []store.Entity{root})
	if err != nil {
		return Result{}, err
	}
	result.Reparented = moved
	return result, nil
}

// archiveNodes stamps every still-active node with one shared timestamp and
// records a delete for each node that actually transitioned.
func (c *Controller) archiveNodes(ctx context.Context, actorID, entityType string, nodes []store.Entity) (Result, error) {
	ids := make([]string, 0, len(nodes))
	byID := make(map[string]store.Entity, len(nodes))
	for _, node := range nodes {
		if node.IsArchived() {
			continue
		}
		ids = append(ids, node.ID)
		byID[node.ID] = node
	}
	if len(ids) == 0 {
		return Result{ArchivedIDs: []string{}}, nil
	}

	at := c.recorder.Now()
	archived, err := c.store.ArchiveEntities(ctx, entityType, ids, at)
	if err != nil {
		return Result{}, fmt.Errorf("archive %d %s entities: %w", len(ids), entityType, err)
	}

	for _, id := range archived {
		node := byID[id]
		c.recorder.RecordDelete(ctx, actorID, audit.RefFor(node), nil, at)
		node.ArchivedAt = &at
		c.runHooks(ctx, node, true)
	}
	c.logger.Info().
		Str("actor_id", actorID).
		Str("entity_type", entityType).
		Int("archived", len(archived)).
		Msg("archived entities")
	return Result{ArchivedCount: len(archived), ArchivedIDs: archived}, nil
}

// Restore clears archivedAt on a single entity. Descendants stay archived.
func (c *Controller) Restore(ctx context.Context, actorID, entityType, id string) (store.Entity, bool, error) {
	current, err := c.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return store.Entity{}, false, err
	}
	if !current.IsArchived() {
		return current, false, nil
	}

	at := c.recorder.Now()
	restored := current.Clone()
	restored.ArchivedAt = nil
	restored.UpdatedAt = at
	if err := c.store.UpdateEntity(ctx, restored); err != nil {
		return store.Entity{}, false, fmt.Errorf("restore %s: %w", id, err)
	}
	c.recorder.RecordUpdateAt(ctx, actorID, audit.RefFor(restored), current.State(), restored.State(), []string{store.KeyArchivedAt}, at)
	c.runHooks(ctx, restored, false)
	return restored, true, nil
}

func (c *Controller) runHooks(ctx context.Context, e store.Entity, archived bool) {
	for _, hook := range c.hooks {
		var err error
		if archived {
			err = hook.OnArchive(ctx, e)
		} else {
			err = hook.OnRestore(ctx, e)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("entity_type", e.Type).Str("entity_id", e.ID).Bool("archived", archived).Msg("archive hook failed")
		}
	}
}

// ValidateParent rejects a parentId that is the entity itself or one of its
// descendants.
func (c *Controller) ValidateParent(ctx context.Context, entityType, id string, newParent *string) error {
	if newParent == nil || !IsHierarchical(entityType) {
		return nil
	}
	if *newParent == id {
		return ErrCycle
	}
	seen := map[string]struct{}{}
	cursor := *newParent
	for cursor != "" {
		if cursor == id {
			return ErrCycle
		}
		if _, loop := seen[cursor]; loop {
			return ErrCycle
		}
		seen[cursor] = struct{}{}
		parent, err := c.store.GetEntity(ctx, entityType, cursor, store.AnyState)
		if errors.Is(err, store.ErrNotFound) {
			if cursor == *newParent {
				return fmt.Errorf("%w: parent %s does not exist", store.ErrInvalidPatch, cursor)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk ancestors of %s: %w", id, err)
		}
		if parent.ParentID == nil {
			return nil
		}
		cursor = *parent.ParentID
	}
	return nil
}
