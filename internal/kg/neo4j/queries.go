package neo4j

import (
	"fmt"

	"github.com/storygraph/backend/internal/kg"
)

var structuralTypes = []string{kg.RelBelongsTo, kg.RelHasCharacter, kg.RelHasFaction}

const (
	characterColumns = `c.work_id AS work_id, c.name AS name,
		coalesce(c.description, '') AS description, coalesce(c.faction, '') AS faction`
	factionColumns = `f.work_id AS work_id, f.name AS name, coalesce(f.description, '') AS description`
	relColumns     = `s.work_id AS work_id, s.name AS source, t.name AS target, type(r) AS type,
		coalesce(r.description, '') AS description`
)

var patterns = map[kg.Pattern]string{
	kg.PatternWorks: `
		MATCH (w:Work)
		RETURN w.id AS id, coalesce(w.name, '') AS name
		ORDER BY id`,

	kg.PatternWorkCharacters: `
		MATCH (c:Character)
		WHERE $work_id = '' OR c.work_id = $work_id
		RETURN ` + characterColumns + `
		ORDER BY work_id, name`,

	kg.PatternWorkFactions: `
		MATCH (f:Faction)
		WHERE $work_id = '' OR f.work_id = $work_id
		RETURN ` + factionColumns + `
		ORDER BY work_id, name`,

	kg.PatternWorkRelationships: `
		MATCH (s:Character)-[r]->(t:Character)
		WHERE ($work_id = '' OR s.work_id = $work_id)
		  AND t.work_id = s.work_id
		  AND NOT type(r) IN $structural
		RETURN ` + relColumns + `
		ORDER BY work_id, source, type, target`,

	kg.PatternWorkMemberships: `
		MATCH (c:Character)-[:BELONGS_TO]->(f:Faction)
		WHERE $work_id = '' OR c.work_id = $work_id
		RETURN c.work_id AS work_id, c.name AS source, f.name AS target, 'BELONGS_TO' AS type
		ORDER BY work_id, source, target`,

	kg.PatternWorkCounts: `
		CALL { MATCH (c:Character {work_id: $work_id}) RETURN count(c) AS characters }
		CALL { MATCH (f:Faction {work_id: $work_id}) RETURN count(f) AS factions }
		CALL {
			MATCH (s:Character {work_id: $work_id})-[r]->(t:Character {work_id: $work_id})
			WHERE NOT type(r) IN $structural
			RETURN count(r) AS relationships
		}
		RETURN characters, factions, relationships`,

	kg.PatternArticleCharacters: `
		MATCH (:Article {id: $article_id})-[:HAS_CHARACTER]->(c:Character)
		RETURN ` + characterColumns + `
		ORDER BY work_id, name`,

	kg.PatternArticleFactions: `
		MATCH (:Article {id: $article_id})-[:HAS_FACTION]->(f:Faction)
		RETURN ` + factionColumns + `
		ORDER BY work_id, name`,

	kg.PatternArticleRelationships: `
		MATCH (a:Article {id: $article_id})-[:HAS_CHARACTER]->(s:Character)-[r]->(t:Character)<-[:HAS_CHARACTER]-(a)
		WHERE NOT type(r) IN $structural
		RETURN ` + relColumns + `
		ORDER BY work_id, source, type, target`,

	kg.PatternArticleMemberships: `
		MATCH (:Article {id: $article_id})-[:HAS_CHARACTER]->(c:Character)-[:BELONGS_TO]->(f:Faction)
		RETURN c.work_id AS work_id, c.name AS source, f.name AS target, 'BELONGS_TO' AS type
		ORDER BY work_id, source, target`,

	kg.PatternCharacterSearch: `
		MATCH (c:Character)
		WHERE ($work_id = '' OR c.work_id = $work_id) AND c.name CONTAINS $name
		RETURN ` + characterColumns + `
		ORDER BY work_id, name`,
}

// nodeDetailTemplate takes the label, which cannot be a parameter.
const nodeDetailTemplate = `
	MATCH (n:%s {work_id: $work_id, name: $name})
	OPTIONAL MATCH (n)-[r]-(m)
	RETURN properties(n) AS properties,
	       type(r) AS rel_type,
	       CASE WHEN r IS NULL THEN null WHEN startNode(r) = n THEN 'out' ELSE 'in' END AS direction,
	       coalesce(m.name, m.title, '') AS other_name,
	       head(labels(m)) AS other_label
	ORDER BY rel_type, direction, other_label, other_name`

func compile(q kg.Query) (string, map[string]any, error) {
	params := map[string]any{
		"work_id":    q.Param("work_id"),
		"article_id": q.Param("article_id"),
		"name":       q.Param("name"),
		"structural": structuralTypes,
	}

	if q.Pattern == kg.PatternNodeDetail {
		label := q.Param("label")
		if label != kg.LabelCharacter && label != kg.LabelFaction {
			return "", nil, fmt.Errorf("%w: %q", kg.ErrInvalidLabel, label)
		}
		return fmt.Sprintf(nodeDetailTemplate, label), params, nil
	}

	cypher, ok := patterns[q.Pattern]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", kg.ErrUnknownPattern, q.Pattern)
	}
	return cypher, params, nil
}
