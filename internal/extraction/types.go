package extraction

// Character is a named person within a work.
type Character struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Faction     string `json:"faction"`
}

// Force is a named faction or organization within a work.
type Force struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Event struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Participants []string `json:"participants"`
	Location     string   `json:"location"`
	Time         string   `json:"time"`
}

// Relationship is a directed, typed edge between two named entities. Type is
// lower-case here and normalized to the graph form at upsert time.
type Relationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Result is the canonical, deduplicated extraction for one article.
type Result struct {
	WorkName      string         `json:"work_name"`
	Title         string         `json:"title"`
	Characters    []Character    `json:"characters"`
	Forces        []Force        `json:"forces"`
	Events        []Event        `json:"events"`
	Relationships []Relationship `json:"relationships"`
}

// Payload is one chunk's normalized extraction before merging.
type Payload = Result

func (r *Result) Empty() bool {
	return len(r.Characters) == 0 && len(r.Forces) == 0 && len(r.Events) == 0 && len(r.Relationships) == 0
}

func (r Relationship) key() string {
	return r.Source + "|" + r.Target + "|" + r.Type
}
