// Package knowledge maintains a scene/character graph in neo4j, built once
// per corpus ingestion and queried to enrich answers with where a speaker
// appears.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/script-agent/script"
)

type SceneAppearance struct {
	Scene string
	Lines int
}

type CharacterInsight struct {
	Character  string
	TotalLines int
	Scenes     []SceneAppearance
}

// SyncScript replaces the corpus's graph with the document's scenes and
// characters: (:Corpus)-[:HAS_SCENE]->(:Scene) in script order, and
// (:Character)-[:SPOKE_IN {lines}]->(:Scene) per speaking appearance.
func SyncScript(ctx context.Context, driver neo4j.DriverWithContext, doc script.Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (co:Corpus {name: $corpus})-[:HAS_SCENE]->(s:Scene)
			DETACH DELETE s
		`, map[string]any{"corpus": doc.Corpus}); err != nil {
			return nil, fmt.Errorf("clear existing scenes: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MERGE (co:Corpus {name: $corpus})
			SET co.updated_at = datetime()
		`, map[string]any{"corpus": doc.Corpus}); err != nil {
			return nil, fmt.Errorf("upsert corpus node: %w", err)
		}

		for order, scene := range doc.Scenes {
			if _, err := tx.Run(ctx, `
				MATCH (co:Corpus {name: $corpus})
				CREATE (s:Scene {heading: $heading, corpus: $corpus, order: $order})
				MERGE (co)-[:HAS_SCENE {order: $order}]->(s)
			`, map[string]any{
				"corpus":  doc.Corpus,
				"heading": scene.Heading,
				"order":   order,
			}); err != nil {
				return nil, fmt.Errorf("create scene node: %w", err)
			}

			for speaker, lines := range speakerLineCounts(scene) {
				if _, err := tx.Run(ctx, `
					MATCH (s:Scene {heading: $heading, corpus: $corpus, order: $order})
					MERGE (c:Character {name: $speaker, corpus: $corpus})
					MERGE (c)-[r:SPOKE_IN]->(s)
					SET r.lines = $lines
				`, map[string]any{
					"corpus":  doc.Corpus,
					"heading": scene.Heading,
					"order":   order,
					"speaker": speaker,
					"lines":   lines,
				}); err != nil {
					return nil, fmt.Errorf("link character %s: %w", speaker, err)
				}
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (c:Character {corpus: $corpus})
			WHERE NOT (c)-[:SPOKE_IN]->(:Scene)
			DELETE c
		`, map[string]any{"corpus": doc.Corpus}); err != nil {
			return nil, fmt.Errorf("prune silent characters: %w", err)
		}

		return nil, nil
	})

	return err
}

// CharacterInsights reports, per named character, the scenes they speak in
// and their line counts, in script order.
func CharacterInsights(ctx context.Context, driver neo4j.DriverWithContext, corpus string, names []string) (map[string]CharacterInsight, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(names) == 0 {
		return map[string]CharacterInsight{}, nil
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (c:Character {corpus: $corpus})-[r:SPOKE_IN]->(s:Scene)
		WHERE c.name IN $names
		WITH c, s, r
		ORDER BY s.order
		RETURN c.name AS name,
		       collect({scene: s.heading, lines: r.lines}) AS scenes
	`, map[string]any{"corpus": corpus, "names": names})
	if err != nil {
		return nil, fmt.Errorf("query character insights: %w", err)
	}

	insights := make(map[string]CharacterInsight)
	for result.Next(ctx) {
		record := result.Record()

		name, _ := record.Get("name")
		rawScenes, _ := record.Get("scenes")

		insight := CharacterInsight{Character: fmt.Sprint(name)}
		if sceneRows, ok := rawScenes.([]any); ok {
			for _, row := range sceneRows {
				entry, ok := row.(map[string]any)
				if !ok {
					continue
				}
				appearance := SceneAppearance{Scene: fmt.Sprint(entry["scene"])}
				if lines, ok := entry["lines"].(int64); ok {
					appearance.Lines = int(lines)
				}
				insight.TotalLines += appearance.Lines
				insight.Scenes = append(insight.Scenes, appearance)
			}
		}

		insights[insight.Character] = insight
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read character insights: %w", err)
	}

	return insights, nil
}

// Purge removes the corpus's graph entirely.
func Purge(ctx context.Context, driver neo4j.DriverWithContext, corpus string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (co:Corpus {name: $corpus})-[:HAS_SCENE]->(s:Scene) DETACH DELETE s",
		"MATCH (c:Character {corpus: $corpus}) DETACH DELETE c",
		"MATCH (co:Corpus {name: $corpus}) DETACH DELETE co",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, map[string]any{"corpus": corpus})
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

func speakerLineCounts(scene script.Scene) map[string]int {
	counts := make(map[string]int)
	for _, line := range scene.Lines {
		if line.Speaker != "" {
			counts[line.Speaker]++
		}
	}
	return counts
}
