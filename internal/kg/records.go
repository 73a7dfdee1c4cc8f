package kg

// CharacterNode is a decoded row of the character patterns.
type CharacterNode struct {
	WorkID      string `json:"work_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Faction     string `json:"faction"`
}

// FactionNode is a decoded row of the faction patterns.
type FactionNode struct {
	WorkID      string `json:"work_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Edge is a decoded row of the relationship and membership patterns.
type Edge struct {
	WorkID      string `json:"work_id"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Key identifies the edge within a work view.
func (e Edge) Key() string {
	return e.Source + "|" + e.Type + "|" + e.Target
}

func CharactersFromRows(rows []Row) []CharacterNode {
	out := make([]CharacterNode, 0, len(rows))
	for _, r := range rows {
		out = append(out, CharacterNode{
			WorkID:      r.String("work_id"),
			Name:        r.String("name"),
			Description: r.String("description"),
			Faction:     r.String("faction"),
		})
	}
	return out
}

func FactionsFromRows(rows []Row) []FactionNode {
	out := make([]FactionNode, 0, len(rows))
	for _, r := range rows {
		out = append(out, FactionNode{
			WorkID:      r.String("work_id"),
			Name:        r.String("name"),
			Description: r.String("description"),
		})
	}
	return out
}

func EdgesFromRows(rows []Row) []Edge {
	out := make([]Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, Edge{
			WorkID:      r.String("work_id"),
			Source:      r.String("source"),
			Target:      r.String("target"),
			Type:        r.String("type"),
			Description: r.String("description"),
		})
	}
	return out
}
