package llm

// analysisPrompt asks for one JSON object per chunk in the payload shape the
// extraction normalizer decodes.
const analysisPrompt = `You are an expert in literary analysis. Analyse the article below and identify:
1. The name of the work the article belongs to.
2. A title for the article, summarised from its content in 15 words or fewer.
3. The characters, forces (factions), events and relationships it contains.

Respond with JSON only, in exactly this shape:
{
  "work_name": "name of the work",
  "title": "article title",
  "characters": [
    {"name": "character name", "description": "short description", "faction": "faction the character belongs to"}
  ],
  "forces": [
    {"name": "faction name", "description": "short description"}
  ],
  "events": [
    {
      "title": "event title",
      "description": "what happened",
      "participants": ["participant 1", "participant 2"],
      "location": "where it happened",
      "time": "when it happened"
    }
  ],
  "relationships": [
    {"source": "source character", "target": "target character or faction", "type": "relationship type", "description": "short description"}
  ]
}

Relationship types:
- between characters: monarch-minister, master-apprentice, friend, enemy, family, spouse
- between a character and a faction: belongs_to, leads, affiliated, opposes

Rules:
1. Record relationships in both directions. If A is B's monarch, also record that B is A's minister.
2. Faction membership must be accurate. A character may belong to several factions.
3. Events must list every involved character and a concrete location.
4. Record vague times as given, for example "one winter".
5. Keep every description brief.
6. Return valid JSON with no surrounding text.`
