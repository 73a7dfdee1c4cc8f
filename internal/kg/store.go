// Package kg defines the property-graph contract used by ingestion,
// reconciliation and the read views. Nodes are addressed by natural keys and
// every write is a MERGE, so applying the same operations twice is a no-op.
package kg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	LabelWork      = "Work"
	LabelArticle   = "Article"
	LabelCharacter = "Character"
	LabelFaction   = "Faction"
)

const (
	RelBelongsTo    = "BELONGS_TO"
	RelHasCharacter = "HAS_CHARACTER"
	RelHasFaction   = "HAS_FACTION"
)

var (
	ErrMissingEndpoint = errors.New("edge endpoint does not exist")
	ErrInvalidRelType  = errors.New("invalid relationship type")
	ErrUnknownPattern  = errors.New("unknown query pattern")
	ErrInvalidLabel    = errors.New("invalid node label")
)

// NodeRef addresses a node by label and natural key.
type NodeRef struct {
	Label string
	Key   map[string]any
}

func WorkRef(id string) NodeRef {
	return NodeRef{Label: LabelWork, Key: map[string]any{"id": id}}
}

func ArticleRef(id string) NodeRef {
	return NodeRef{Label: LabelArticle, Key: map[string]any{"id": id}}
}

func CharacterRef(workID, name string) NodeRef {
	return NodeRef{Label: LabelCharacter, Key: map[string]any{"work_id": workID, "name": name}}
}

func FactionRef(workID, name string) NodeRef {
	return NodeRef{Label: LabelFaction, Key: map[string]any{"work_id": workID, "name": name}}
}

// KeyFields returns the key field names in a stable order.
func (r NodeRef) KeyFields() []string {
	fields := make([]string, 0, len(r.Key))
	for k := range r.Key {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func (r NodeRef) String() string {
	parts := make([]string, 0, len(r.Key))
	for _, k := range r.KeyFields() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.Key[k]))
	}
	return r.Label + "{" + strings.Join(parts, ",") + "}"
}

func (r NodeRef) Validate() error {
	switch r.Label {
	case LabelWork, LabelArticle, LabelCharacter, LabelFaction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLabel, r.Label)
	}
	if len(r.Key) == 0 {
		return fmt.Errorf("node %s has an empty key", r.Label)
	}
	return nil
}

// Pattern names one of the fixed read queries a Store answers.
type Pattern string

const (
	// PatternWorks rows: id, name.
	PatternWorks Pattern = "work.list"
	// PatternWorkCharacters rows: work_id, name, description, faction.
	// An empty work_id param selects every work.
	PatternWorkCharacters Pattern = "work.characters"
	// PatternWorkFactions rows: work_id, name, description.
	PatternWorkFactions Pattern = "work.factions"
	// PatternWorkRelationships rows: work_id, source, target, type, description.
	// Only character-to-character edges outside the structural types.
	PatternWorkRelationships Pattern = "work.relationships"
	// PatternWorkMemberships rows: work_id, source, target, type for
	// Character-BELONGS_TO->Faction edges.
	PatternWorkMemberships Pattern = "work.memberships"
	// PatternWorkCounts returns one row: characters, factions, relationships.
	PatternWorkCounts Pattern = "work.counts"

	// Article patterns take article_id and use the same row shapes as the
	// work patterns, restricted to nodes the article introduced.
	PatternArticleCharacters    Pattern = "article.characters"
	PatternArticleFactions      Pattern = "article.factions"
	PatternArticleRelationships Pattern = "article.relationships"
	PatternArticleMemberships   Pattern = "article.memberships"

	// PatternNodeDetail takes work_id, label, name. Rows: properties,
	// rel_type, direction, other_name, other_label. A node without edges
	// yields one row with an empty rel_type; a missing node yields none.
	PatternNodeDetail Pattern = "node.detail"
	// PatternCharacterSearch takes work_id (optional) and name (substring).
	PatternCharacterSearch Pattern = "characters.search"
)

type Query struct {
	Pattern Pattern
	Params  map[string]any
}

func (q Query) Param(key string) string {
	v, _ := q.Params[key].(string)
	return v
}

// Row is one result record keyed by column name.
type Row map[string]any

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Int(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (r Row) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Store is the graph persistence contract. Implementations must make
// MergeNode and MergeEdge atomic per call and idempotent for equal keys.
type Store interface {
	MergeNode(ctx context.Context, ref NodeRef, attrs map[string]any) error
	// MergeEdge fails with ErrMissingEndpoint if either node is absent.
	MergeEdge(ctx context.Context, from NodeRef, relType string, to NodeRef, attrs map[string]any) error
	Query(ctx context.Context, q Query) ([]Row, error)
	// DeleteSubgraph removes root and the nodes it exclusively owns: nodes
	// reached by HAS_CHARACTER/HAS_FACTION with no other such parent, and
	// nodes whose only BELONGS_TO of root's label points at root.
	DeleteSubgraph(ctx context.Context, root NodeRef) error
}

// NormalizeRelType converts an extracted relationship type to the graph
// label form: upper-case with '-' and any other non [A-Z0-9_] rune as '_'.
func NormalizeRelType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ValidRelType reports whether t can be used verbatim as an edge type.
func ValidRelType(t string) bool {
	if t == "" {
		return false
	}
	for _, r := range t {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// IsStructural reports whether relType is one of the bookkeeping edges rather
// than an extracted relationship.
func IsStructural(relType string) bool {
	switch relType {
	case RelBelongsTo, RelHasCharacter, RelHasFaction:
		return true
	default:
		return false
	}
}
