// Package access decides whether an actor may view or edit an entity.
//
// Four grant sources are consulted in a fixed order: global elevation,
// ownership, project membership and explicit sharing. The first source that
// grants view is reported as the view source. Edit is tracked separately, so a
// read-only membership does not hide a later edit grant and vice versa.
package access

import (
	"context"
	"errors"
	"fmt"

	"labtrack/internal/store"
)

var ErrForbidden = errors.New("forbidden")

type Source string

const (
	SourceNone       Source = ""
	SourceElevation  Source = "elevation"
	SourceOwnership  Source = "ownership"
	SourceMembership Source = "membership"
	SourceSharing    Source = "sharing"
)

type Actor struct {
	ID   string
	Role Role
}

// Target carries the authorization anchors of one entity.
type Target struct {
	OwnerID          string
	ProjectID        string
	SharedUserIDs    []string
	SharedProjectIDs []string
	Visibility       string
}

type Decision struct {
	CanView    bool   `json:"canView"`
	CanEdit    bool   `json:"canEdit"`
	ViewSource Source `json:"viewSource,omitempty"`
	EditSource Source `json:"editSource,omitempty"`
}

type Grant struct {
	View bool
	Edit bool
}

// Lookup is the store slice the membership and sharing rules read.
type Lookup interface {
	GetMembership(ctx context.Context, projectID, userID string) (store.Membership, error)
	ListAccessibleProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// Rule is one grant source. MayEdit lets the resolver skip a rule whose only
// possible contribution is a view grant that is already held.
type Rule struct {
	Source  Source
	MayEdit bool
	Check   func(ctx context.Context, lookup Lookup, actor Actor, target Target) (Grant, error)
}

func DefaultRules() []Rule {
	return []Rule{ElevationRule, OwnershipRule, MembershipRule, SharingRule}
}

var ElevationRule = Rule{
	Source:  SourceElevation,
	MayEdit: true,
	Check: func(_ context.Context, _ Lookup, actor Actor, _ Target) (Grant, error) {
		if IsElevated(actor.Role) {
			return Grant{View: true, Edit: true}, nil
		}
		return Grant{}, nil
	},
}

var OwnershipRule = Rule{
	Source:  SourceOwnership,
	MayEdit: true,
	Check: func(_ context.Context, _ Lookup, actor Actor, target Target) (Grant, error) {
		if target.OwnerID != "" && target.OwnerID == actor.ID {
			return Grant{View: true, Edit: true}, nil
		}
		return Grant{}, nil
	},
}

var MembershipRule = Rule{
	Source:  SourceMembership,
	MayEdit: true,
	Check: func(ctx context.Context, lookup Lookup, actor Actor, target Target) (Grant, error) {
		if target.ProjectID == "" {
			return Grant{}, nil
		}
		membership, err := lookup.GetMembership(ctx, target.ProjectID, actor.ID)
		if errors.Is(err, store.ErrNotFound) {
			return Grant{}, nil
		}
		if err != nil {
			return Grant{}, fmt.Errorf("load membership: %w", err)
		}
		role, ok := ParseMemberRole(membership.Role)
		if !ok {
			return Grant{}, nil
		}
		return Grant{View: true, Edit: role.CanEdit()}, nil
	},
}

// SharingRule never grants edit.
var SharingRule = Rule{
	Source:  SourceSharing,
	MayEdit: false,
	Check: func(ctx context.Context, lookup Lookup, actor Actor, target Target) (Grant, error) {
		for _, id := range target.SharedUserIDs {
			if id == actor.ID {
				return Grant{View: true}, nil
			}
		}
		if target.Visibility != store.VisibilityShared || len(target.SharedProjectIDs) == 0 {
			return Grant{}, nil
		}
		projects, err := lookup.ListAccessibleProjectIDs(ctx, actor.ID)
		if err != nil {
			return Grant{}, fmt.Errorf("load accessible projects: %w", err)
		}
		shared := make(map[string]struct{}, len(target.SharedProjectIDs))
		for _, id := range target.SharedProjectIDs {
			shared[id] = struct{}{}
		}
		for _, id := range projects {
			if _, ok := shared[id]; ok {
				return Grant{View: true}, nil
			}
		}
		return Grant{}, nil
	},
}

// Resolver evaluates rules fresh on every call.
type Resolver struct {
	lookup Lookup
	rules  []Rule
}

func NewResolver(lookup Lookup, rules ...Rule) *Resolver {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Resolver{lookup: lookup, rules: rules}
}

func (r *Resolver) Resolve(ctx context.Context, actor Actor, target Target) (Decision, error) {
	var decision Decision
	if actor.ID == "" {
		return decision, nil
	}
	for _, rule := range r.rules {
		if decision.CanView && decision.CanEdit {
			break
		}
		if decision.CanView && !rule.MayEdit {
			continue
		}
		grant, err := rule.Check(ctx, r.lookup, actor, target)
		if err != nil {
			return Decision{}, fmt.Errorf("%s rule: %w", rule.Source, err)
		}
		if grant.View && !decision.CanView {
			decision.CanView = true
			decision.ViewSource = rule.Source
		}
		if grant.Edit && !decision.CanEdit {
			decision.CanEdit = true
			decision.EditSource = rule.Source
		}
	}
	// Edit without view is never reported.
	if decision.CanEdit && !decision.CanView {
		decision.CanView = true
		decision.ViewSource = decision.EditSource
	}
	return decision, nil
}

// Require returns ErrForbidden unless the decision grants the requested level.
func (d Decision) Require(edit bool) error {
	if edit && !d.CanEdit {
		return ErrForbidden
	}
	if !d.CanView {
		return ErrForbidden
	}
	return nil
}

// TargetFor extracts the anchors of e. A project anchors itself.
func TargetFor(e store.Entity) Target {
	target := Target{
		OwnerID:          e.OwnerID,
		SharedUserIDs:    e.SharedUserIDs,
		SharedProjectIDs: e.SharedProjectIDs,
		Visibility:       e.Visibility,
	}
	if e.Type == store.TypeProject {
		target.ProjectID = e.ID
	} else if e.ProjectID != nil {
		target.ProjectID = *e.ProjectID
	}
	return target
}
