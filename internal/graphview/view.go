// Package graphview composes read-only {nodes, links} views of the story
// graph for presentation, joined with catalog events.
package graphview

import (
	"sort"

	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/storage/models"
)

const (
	CategoryCharacter = 0
	CategoryFaction   = 1
	CategoryEvent     = 2
)

const (
	TypeCharacter = "character"
	TypeFaction   = "faction"
	TypeEvent     = "event"
)

var symbolSizes = map[int]int{
	CategoryCharacter: 50,
	CategoryFaction:   40,
	CategoryEvent:     30,
}

// displayLabels maps normalized relationship types to their display form.
var displayLabels = map[string]string{
	"FRIEND":            "friend",
	"ENEMY":             "enemy",
	"FAMILY":            "family",
	"MASTER_APPRENTICE": "master-apprentice",
	"MONARCH_MINISTER":  "monarch-minister",
	"SPOUSE":            "spouse",
	"BELONGS_TO":        "affiliation",
	"AFFILIATED":        "affiliated",
	"OPPOSES":           "opposes",
	"LEADS":             "leads",
}

// DisplayLabel returns the display label for relType, or relType itself
// when it has none.
func DisplayLabel(relType string) string {
	if label, ok := displayLabels[kg.NormalizeRelType(relType)]; ok {
		return label
	}
	return relType
}

type Node struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Category     int      `json:"category"`
	SymbolSize   int      `json:"symbolSize"`
	Description  string   `json:"description"`
	Faction      string   `json:"faction,omitempty"`
	WorkID       string   `json:"work_id,omitempty"`
	Time         string   `json:"time,omitempty"`
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type Link struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type WorkRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GraphView struct {
	Nodes       []Node         `json:"nodes"`
	Links       []Link         `json:"links"`
	Events      []models.Event `json:"events"`
	CurrentWork *WorkRef       `json:"current_work"`
	Works       []WorkRef      `json:"works"`
}

// ArticleGraph is the view of what one article contributed.
type ArticleGraph struct {
	ArticleID string         `json:"article_id"`
	Title     string         `json:"title"`
	WorkID    string         `json:"work_id"`
	Nodes     []Node         `json:"nodes"`
	Links     []Link         `json:"links"`
	Events    []models.Event `json:"events"`
}

type Relation struct {
	Type      string `json:"type"`
	Label     string `json:"label"`
	Direction string `json:"direction"`
	Name      string `json:"name"`
	NodeLabel string `json:"node_label"`
}

type NodeDetail struct {
	WorkID        string         `json:"work_id"`
	Label         string         `json:"label"`
	Name          string         `json:"name"`
	Properties    map[string]any `json:"properties"`
	Relationships []Relation     `json:"relationships"`
}

// CharacterHit is a character search result.
type CharacterHit struct {
	kg.CharacterNode
	WorkName string `json:"work_name"`
}

// assembler accumulates nodes and links. Links are deduplicated by
// source|type|target in first-seen order. Characters must be added before
// factions: a faction whose id is taken by a character is re-keyed as
// "faction:<id>".
type assembler struct {
	nodeID     func(workID, name string) string
	nodes      map[string]Node
	factionIDs map[string]string
	links      []Link
	seen       map[string]struct{}
}

func newAssembler(global bool) *assembler {
	a := &assembler{
		nodes:      make(map[string]Node),
		factionIDs: make(map[string]string),
		seen:       make(map[string]struct{}),
	}
	a.nodeID = func(_, name string) string { return name }
	if global {
		// Names are only unique within a work.
		a.nodeID = func(workID, name string) string { return workID + "/" + name }
	}
	return a
}

func (a *assembler) addNode(n Node) {
	if _, ok := a.nodes[n.ID]; ok {
		return
	}
	n.SymbolSize = symbolSizes[n.Category]
	a.nodes[n.ID] = n
}

func (a *assembler) addCharacters(chars []kg.CharacterNode) {
	for _, c := range chars {
		a.addNode(Node{
			ID:          a.nodeID(c.WorkID, c.Name),
			Name:        c.Name,
			Type:        TypeCharacter,
			Category:    CategoryCharacter,
			Description: c.Description,
			Faction:     c.Faction,
			WorkID:      c.WorkID,
		})
	}
}

func (a *assembler) addFactions(factions []kg.FactionNode) {
	for _, f := range factions {
		id := a.nodeID(f.WorkID, f.Name)
		if n, ok := a.nodes[id]; ok && n.Category != CategoryFaction {
			id = "faction:" + id
		}
		a.factionIDs[f.WorkID+"\x00"+f.Name] = id
		a.addNode(Node{
			ID:          id,
			Name:        f.Name,
			Type:        TypeFaction,
			Category:    CategoryFaction,
			Description: f.Description,
			WorkID:      f.WorkID,
		})
	}
}

func (a *assembler) addEvents(events []models.Event) {
	for _, ev := range events {
		participants := ev.Participants
		if participants == nil {
			participants = []string{}
		}
		a.addNode(Node{
			ID:           "event:" + ev.ID,
			Name:         ev.Name,
			Type:         TypeEvent,
			Category:     CategoryEvent,
			Description:  ev.Description,
			WorkID:       ev.WorkID,
			Time:         ev.Time,
			Location:     ev.Location,
			Participants: participants,
		})
	}
}

// addRelationships adds character-to-character links.
func (a *assembler) addRelationships(edges []kg.Edge) {
	a.addEdges(edges, a.nodeID)
}

// addMemberships adds character-to-faction links.
func (a *assembler) addMemberships(edges []kg.Edge) {
	a.addEdges(edges, a.factionID)
}

func (a *assembler) factionID(workID, name string) string {
	if id, ok := a.factionIDs[workID+"\x00"+name]; ok {
		return id
	}
	return a.nodeID(workID, name)
}

func (a *assembler) addEdges(edges []kg.Edge, targetID func(workID, name string) string) {
	sorted := append([]kg.Edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].WorkID != sorted[j].WorkID {
			return sorted[i].WorkID < sorted[j].WorkID
		}
		return sorted[i].Key() < sorted[j].Key()
	})

	for _, e := range sorted {
		link := Link{
			Source:      a.nodeID(e.WorkID, e.Source),
			Target:      targetID(e.WorkID, e.Target),
			Type:        e.Type,
			Label:       DisplayLabel(e.Type),
			Description: e.Description,
		}
		key := link.Source + "|" + link.Type + "|" + link.Target
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		a.links = append(a.links, link)
	}
}

// result returns nodes ordered by (category, id) and links in insertion
// order. Both are non-nil.
func (a *assembler) result() ([]Node, []Link) {
	nodes := make([]Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Category != nodes[j].Category {
			return nodes[i].Category < nodes[j].Category
		}
		return nodes[i].ID < nodes[j].ID
	})

	links := a.links
	if links == nil {
		links = []Link{}
	}
	return nodes, links
}
