// Package memory is an in-process kg.Store backed by maps. It follows the
// same MERGE and ownership rules as the Neo4j store and is used for tests and
// the "memory" graph backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/kg"
)

type node struct {
	ref   kg.NodeRef
	props map[string]any
}

type edge struct {
	from  string
	typ   string
	to    string
	props map[string]any
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node
	edges map[string]*edge
	log   *zap.Logger
}

var _ kg.Store = (*Store)(nil)

func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		nodes: make(map[string]*node),
		edges: make(map[string]*edge),
		log:   log.Named("memory_graph"),
	}
}

func nodeID(ref kg.NodeRef) string {
	var b strings.Builder
	b.WriteString(ref.Label)
	for _, k := range ref.KeyFields() {
		fmt.Fprintf(&b, "|%s=%v", k, ref.Key[k])
	}
	return b.String()
}

func edgeID(from, typ, to string) string {
	return from + "-[" + typ + "]->" + to
}

func (s *Store) MergeNode(ctx context.Context, ref kg.NodeRef, attrs map[string]any) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := nodeID(ref)
	n, ok := s.nodes[id]
	if !ok {
		n = &node{ref: ref, props: make(map[string]any, len(ref.Key)+len(attrs))}
		for k, v := range ref.Key {
			n.props[k] = v
		}
		s.nodes[id] = n
	}
	for k, v := range attrs {
		n.props[k] = v
	}
	return nil
}

func (s *Store) MergeEdge(ctx context.Context, from kg.NodeRef, relType string, to kg.NodeRef, attrs map[string]any) error {
	if !kg.ValidRelType(relType) {
		return fmt.Errorf("%w: %q", kg.ErrInvalidRelType, relType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fromID, toID := nodeID(from), nodeID(to)
	if _, ok := s.nodes[fromID]; !ok {
		return fmt.Errorf("%w: %s", kg.ErrMissingEndpoint, from)
	}
	if _, ok := s.nodes[toID]; !ok {
		return fmt.Errorf("%w: %s", kg.ErrMissingEndpoint, to)
	}

	id := edgeID(fromID, relType, toID)
	e, ok := s.edges[id]
	if !ok {
		e = &edge{from: fromID, typ: relType, to: toID, props: make(map[string]any, len(attrs))}
		s.edges[id] = e
	}
	for k, v := range attrs {
		e.props[k] = v
	}
	return nil
}

func (s *Store) DeleteSubgraph(ctx context.Context, root kg.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootID := nodeID(root)
	if _, ok := s.nodes[rootID]; !ok {
		return nil
	}

	doomed := map[string]bool{rootID: true}
	for _, e := range s.edges {
		switch {
		case e.from == rootID && (e.typ == kg.RelHasCharacter || e.typ == kg.RelHasFaction):
			if !s.hasOtherParent(e.to, rootID) {
				doomed[e.to] = true
			}
		case e.to == rootID && e.typ == kg.RelBelongsTo:
			if !s.belongsElsewhere(e.from, rootID, root.Label) {
				doomed[e.from] = true
			}
		}
	}

	for id, e := range s.edges {
		if doomed[e.from] || doomed[e.to] {
			delete(s.edges, id)
		}
	}
	for id := range doomed {
		delete(s.nodes, id)
	}

	s.log.Debug("Subgraph deleted", zap.String("root", root.String()), zap.Int("nodes", len(doomed)))
	return nil
}

func (s *Store) hasOtherParent(child, rootID string) bool {
	for _, e := range s.edges {
		if e.to == child && e.from != rootID && (e.typ == kg.RelHasCharacter || e.typ == kg.RelHasFaction) {
			return true
		}
	}
	return false
}

func (s *Store) belongsElsewhere(child, rootID, label string) bool {
	for _, e := range s.edges {
		if e.from == child && e.to != rootID && e.typ == kg.RelBelongsTo && s.nodes[e.to].ref.Label == label {
			return true
		}
	}
	return false
}

func (s *Store) Query(ctx context.Context, q kg.Query) ([]kg.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workID := q.Param("work_id")
	articleID := q.Param("article_id")

	var rows []kg.Row
	switch q.Pattern {
	case kg.PatternWorks:
		for _, n := range s.nodesWithLabel(kg.LabelWork) {
			rows = append(rows, kg.Row{"id": n.props["id"], "name": stringProp(n, "name")})
		}
		sortRows(rows, "id")

	case kg.PatternWorkCharacters:
		rows = characterRows(s.scoped(kg.LabelCharacter, workID))
	case kg.PatternWorkFactions:
		rows = factionRows(s.scoped(kg.LabelFaction, workID))
	case kg.PatternWorkRelationships:
		rows = s.relationshipRows(s.scopedSet(kg.LabelCharacter, workID))
	case kg.PatternWorkMemberships:
		rows = s.membershipRows(s.scopedSet(kg.LabelCharacter, workID))

	case kg.PatternWorkCounts:
		chars := s.scopedSet(kg.LabelCharacter, workID)
		rows = []kg.Row{{
			"characters":    int64(len(chars)),
			"factions":      int64(len(s.scoped(kg.LabelFaction, workID))),
			"relationships": int64(len(s.relationshipRows(chars))),
		}}

	case kg.PatternArticleCharacters:
		rows = characterRows(s.children(articleID, kg.RelHasCharacter))
	case kg.PatternArticleFactions:
		rows = factionRows(s.children(articleID, kg.RelHasFaction))
	case kg.PatternArticleRelationships:
		rows = s.relationshipRows(toSet(s.children(articleID, kg.RelHasCharacter)))
	case kg.PatternArticleMemberships:
		rows = s.membershipRows(toSet(s.children(articleID, kg.RelHasCharacter)))

	case kg.PatternNodeDetail:
		return s.nodeDetail(workID, q.Param("label"), q.Param("name")), nil

	case kg.PatternCharacterSearch:
		needle := q.Param("name")
		var matched []*node
		for _, n := range s.scoped(kg.LabelCharacter, workID) {
			if strings.Contains(stringProp(n, "name"), needle) {
				matched = append(matched, n)
			}
		}
		rows = characterRows(matched)

	default:
		return nil, fmt.Errorf("%w: %s", kg.ErrUnknownPattern, q.Pattern)
	}

	return rows, nil
}

func (s *Store) nodesWithLabel(label string) []*node {
	var out []*node
	for _, n := range s.nodes {
		if n.ref.Label == label {
			out = append(out, n)
		}
	}
	return out
}

// scoped returns nodes of label owned by workID, or all of them when workID is empty.
func (s *Store) scoped(label, workID string) []*node {
	var out []*node
	for _, n := range s.nodesWithLabel(label) {
		if workID == "" || stringProp(n, "work_id") == workID {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) scopedSet(label, workID string) map[string]*node {
	return toSet(s.scoped(label, workID))
}

func (s *Store) children(articleID, relType string) []*node {
	parent := nodeID(kg.ArticleRef(articleID))
	var out []*node
	for _, e := range s.edges {
		if e.from == parent && e.typ == relType {
			if n, ok := s.nodes[e.to]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func (s *Store) relationshipRows(chars map[string]*node) []kg.Row {
	var rows []kg.Row
	for _, e := range s.edges {
		if kg.IsStructural(e.typ) {
			continue
		}
		src, okSrc := chars[e.from]
		dst, okDst := chars[e.to]
		if !okSrc || !okDst {
			continue
		}
		rows = append(rows, kg.Row{
			"work_id":     stringProp(src, "work_id"),
			"source":      stringProp(src, "name"),
			"target":      stringProp(dst, "name"),
			"type":        e.typ,
			"description": e.props["description"],
		})
	}
	sortRows(rows, "work_id", "source", "type", "target")
	return rows
}

func (s *Store) membershipRows(chars map[string]*node) []kg.Row {
	var rows []kg.Row
	for _, e := range s.edges {
		if e.typ != kg.RelBelongsTo {
			continue
		}
		src, ok := chars[e.from]
		if !ok {
			continue
		}
		dst, ok := s.nodes[e.to]
		if !ok || dst.ref.Label != kg.LabelFaction {
			continue
		}
		rows = append(rows, kg.Row{
			"work_id": stringProp(src, "work_id"),
			"source":  stringProp(src, "name"),
			"target":  stringProp(dst, "name"),
			"type":    kg.RelBelongsTo,
		})
	}
	sortRows(rows, "work_id", "source", "target")
	return rows
}

func (s *Store) nodeDetail(workID, label, name string) []kg.Row {
	var ref kg.NodeRef
	switch label {
	case kg.LabelCharacter:
		ref = kg.CharacterRef(workID, name)
	case kg.LabelFaction:
		ref = kg.FactionRef(workID, name)
	default:
		return nil
	}

	id := nodeID(ref)
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}

	props := make(map[string]any, len(n.props))
	for k, v := range n.props {
		props[k] = v
	}

	var rows []kg.Row
	for _, e := range s.edges {
		var otherID, direction string
		switch id {
		case e.from:
			otherID, direction = e.to, "out"
		case e.to:
			otherID, direction = e.from, "in"
		default:
			continue
		}
		other := s.nodes[otherID]
		otherName := stringProp(other, "name")
		if otherName == "" {
			otherName = stringProp(other, "title")
		}
		rows = append(rows, kg.Row{
			"properties":  props,
			"rel_type":    e.typ,
			"direction":   direction,
			"other_name":  otherName,
			"other_label": other.ref.Label,
		})
	}
	if len(rows) == 0 {
		return []kg.Row{{"properties": props, "rel_type": nil}}
	}
	sortRows(rows, "rel_type", "direction", "other_label", "other_name")
	return rows
}

func characterRows(nodes []*node) []kg.Row {
	rows := make([]kg.Row, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, kg.Row{
			"work_id":     stringProp(n, "work_id"),
			"name":        stringProp(n, "name"),
			"description": stringProp(n, "description"),
			"faction":     stringProp(n, "faction"),
		})
	}
	sortRows(rows, "work_id", "name")
	return rows
}

func factionRows(nodes []*node) []kg.Row {
	rows := make([]kg.Row, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, kg.Row{
			"work_id":     stringProp(n, "work_id"),
			"name":        stringProp(n, "name"),
			"description": stringProp(n, "description"),
		})
	}
	sortRows(rows, "work_id", "name")
	return rows
}

func toSet(nodes []*node) map[string]*node {
	set := make(map[string]*node, len(nodes))
	for _, n := range nodes {
		set[nodeID(n.ref)] = n
	}
	return set
}

func stringProp(n *node, key string) string {
	if n == nil {
		return ""
	}
	s, _ := n.props[key].(string)
	return s
}

func sortRows(rows []kg.Row, keys ...string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := rows[i].String(k), rows[j].String(k)
			if a != b {
				return a < b
			}
		}
		return false
	})
}
