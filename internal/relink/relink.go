// Package relink reassigns the links of a calendar event when the unit owning
// it changes, keeping the external booking id on the principal link.
package relink

import (
	"channelsync/internal/models"
)

// Source tells where the ownership change came from.
type Source int

const (
	// SourceInternal is a change made through the back office.
	SourceInternal Source = iota
	// SourceExternal is a change reported by the platform with a new room id.
	SourceExternal
)

// Input describes one ownership change.
type Input struct {
	EventID int64
	Source  Source

	// ExternalRoomID selects the target principal for external changes.
	ExternalRoomID string
	// TrackedExternalID is the booking id the principal must keep, if known.
	TrackedExternalID string

	// Links are the current links of the event; only active ones are considered.
	Links []*models.Link
	// Mappings are the active mappings of the new owner.
	Mappings []*models.RoomMapping
}

// Plan is the result of a rebuild. Assigned holds exactly one link per mapping;
// links with a zero ID must be created, the others updated. Removed links have
// their external id cleared and must be deleted.
type Plan struct {
	Principal *models.Link
	Assigned  []*models.Link
	Removed   []*models.Link
}

// Created returns the assigned links that do not exist yet.
func (p *Plan) Created() []*models.Link {
	var out []*models.Link
	for _, l := range p.Assigned {
		if l.ID == 0 {
			out = append(out, l)
		}
	}
	return out
}

// Reused returns the assigned links that already exist.
func (p *Plan) Reused() []*models.Link {
	var out []*models.Link
	for _, l := range p.Assigned {
		if l.ID != 0 {
			out = append(out, l)
		}
	}
	return out
}

// Rebuild computes the new link set. Inputs are not modified.
func Rebuild(in Input) *Plan {
	target := targetPrincipal(in)

	var current []*models.Link
	for _, l := range in.Links {
		if l.Status == "" || l.Status == models.LinkStatusActive {
			cp := *l
			current = append(current, &cp)
		}
	}

	survivor := principalSurvivor(current, in.TrackedExternalID)
	byCode := make(map[string][]*models.Link)
	var fallback []*models.Link
	for _, l := range current {
		if l == survivor {
			continue
		}
		if l.Code != "" {
			byCode[l.Code] = append(byCode[l.Code], l)
		} else {
			fallback = append(fallback, l)
		}
	}

	plan := &Plan{}
	used := make(map[*models.Link]bool)

	if target != nil {
		link := survivor
		if link == nil {
			link = newLink(in.EventID)
		}
		bind(link, target)
		link.IsPrincipal = true
		link.IsMirror = false
		plan.Principal = link
		plan.Assigned = append(plan.Assigned, link)
		used[link] = true
	}

	for _, m := range in.Mappings {
		if target != nil && m.ID == target.ID {
			continue
		}
		var link *models.Link
		if pool := byCode[m.Code]; m.Code != "" && len(pool) > 0 {
			link, byCode[m.Code] = pool[0], pool[1:]
		} else if len(fallback) > 0 {
			link, fallback = fallback[0], fallback[1:]
		} else {
			link = newLink(in.EventID)
		}
		bind(link, m)
		link.IsPrincipal = false
		link.IsMirror = true
		link.ExternalBookID = nil
		plan.Assigned = append(plan.Assigned, link)
		used[link] = true
	}

	for _, l := range current {
		if used[l] {
			continue
		}
		l.ExternalBookID = nil
		plan.Removed = append(plan.Removed, l)
	}
	return plan
}

func newLink(eventID int64) *models.Link {
	return &models.Link{EventID: &eventID, Status: models.LinkStatusActive}
}

func bind(l *models.Link, m *models.RoomMapping) {
	id := m.ID
	l.MappingID = &id
	l.Code = m.Code
}

func targetPrincipal(in Input) *models.RoomMapping {
	if in.Source == SourceExternal && in.ExternalRoomID != "" {
		for _, m := range in.Mappings {
			if m.ExternalRoomID == in.ExternalRoomID {
				return m
			}
		}
	}
	if in.Source == SourceInternal {
		for _, m := range in.Mappings {
			if m.IsPrincipal {
				return m
			}
		}
	}
	for _, m := range in.Mappings {
		if m.IsVirtualPrincipal {
			return m
		}
	}
	return nil
}

// principalSurvivor prefers the principal holding the tracked id, then any
// principal with an external id, then any principal.
func principalSurvivor(links []*models.Link, tracked string) *models.Link {
	var withID, first *models.Link
	for _, l := range links {
		if !l.IsPrincipal {
			continue
		}
		if tracked != "" && l.HasExternalID() && *l.ExternalBookID == tracked {
			return l
		}
		if withID == nil && l.HasExternalID() {
			withID = l
		}
		if first == nil {
			first = l
		}
	}
	if withID != nil {
		return withID
	}
	return first
}
