package stage2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/fraudcore/engine/internal/embedding"
	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/search"
	"github.com/fraudcore/engine/internal/storage"
)

// ToolSpec is a capability the reasoner loop may dispatch into. Schema is
// built with the mcp-go JSON-schema helpers the teacher uses to describe
// its own MCP tools to external callers — reused here purely to *describe*
// the tool's contract inside the reasoner prompt, since the call path is
// an in-process dispatch table rather than the MCP wire protocol.
type ToolSpec struct {
	Name        string
	Description string
	Schema      mcplib.Tool
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ProfileLookup is the narrow storage slice lookup_customer needs.
type ProfileLookup interface {
	GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error)
}

// RelationshipLookup is the narrow storage slice lookup_relationships needs.
type RelationshipLookup interface {
	GetRelationships(ctx context.Context, entityID string, onlyActive bool, minConfidence float64) ([]model.Relationship, error)
}

// BuildToolSpecs assembles the fixed three-tool capability table named in
// spec.md §4.7: lookup_customer, lookup_relationships, lookup_similar_by_text.
func BuildToolSpecs(profiles ProfileLookup, relationships RelationshipLookup, index search.Index, embedder embedding.Provider) []ToolSpec {
	return []ToolSpec{
		{
			Name: "lookup_customer",
			Description: "Fetch the customer's behavioral profile: typical amount range, " +
				"typical categories/countries, active hours.",
			Schema: mcplib.NewTool("lookup_customer",
				mcplib.WithDescription("Fetch a customer's stored behavioral profile."),
				mcplib.WithString("customer_id",
					mcplib.Description("Customer ID to look up."),
					mcplib.Required(),
				),
			),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				customerID, _ := args["customer_id"].(string)
				if customerID == "" {
					return "", fmt.Errorf("lookup_customer: customer_id is required")
				}
				profile, err := profiles.GetProfile(ctx, customerID)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return `{"found": false}`, nil
					}
					return "", err
				}
				return marshalResult(profile)
			},
		},
		{
			Name: "lookup_relationships",
			Description: "Fetch known relationships (shared device, shared card, same " +
				"merchant network, etc.) for an entity (customer, device, or merchant ID).",
			Schema: mcplib.NewTool("lookup_relationships",
				mcplib.WithDescription("Fetch known relationship edges for an entity."),
				mcplib.WithString("entity_id",
					mcplib.Description("The entity ID (customer, device, or merchant) to look up."),
					mcplib.Required(),
				),
				mcplib.WithBoolean("only_active",
					mcplib.Description("Restrict to currently active relationships. Defaults to true."),
				),
				mcplib.WithNumber("min_confidence",
					mcplib.Description("Minimum confidence threshold, 0-1."),
					mcplib.Min(0),
					mcplib.Max(1),
				),
			),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				entityID, _ := args["entity_id"].(string)
				if entityID == "" {
					return "", fmt.Errorf("lookup_relationships: entity_id is required")
				}
				onlyActive := true
				if v, ok := args["only_active"].(bool); ok {
					onlyActive = v
				}
				minConfidence, _ := args["min_confidence"].(float64)
				rels, err := relationships.GetRelationships(ctx, entityID, onlyActive, minConfidence)
				if err != nil {
					return "", err
				}
				return marshalResult(rels)
			},
		},
		{
			Name: "lookup_similar_by_text",
			Description: "Search the transaction index by free-text description and return " +
				"the most similar transaction IDs with their similarity scores.",
			Schema: mcplib.NewTool("lookup_similar_by_text",
				mcplib.WithDescription("Semantic search over the transaction index."),
				mcplib.WithString("query",
					mcplib.Description("Free text describing the pattern to search for."),
					mcplib.Required(),
				),
				mcplib.WithNumber("k",
					mcplib.Description("Number of results to return."),
					mcplib.Min(1),
					mcplib.Max(20),
					mcplib.DefaultNumber(5),
				),
			),
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				if query == "" {
					return "", fmt.Errorf("lookup_similar_by_text: query is required")
				}
				k := 5
				if v, ok := args["k"].(float64); ok && v > 0 {
					k = int(v)
				}
				vec, err := embedder.Embed(ctx, query)
				if err != nil {
					return "", err
				}
				docs, err := index.KNN(ctx, vec, k, search.Filter{})
				if err != nil {
					return "", err
				}
				return marshalResult(docs)
			},
		},
	}
}

// RenderToolDescriptions serializes each tool's mcp-go-built JSON schema into
// a block the reasoner prompt embeds verbatim, so the LLM sees the same
// shape an MCP client would receive over the wire.
func RenderToolDescriptions(specs []ToolSpec) (string, error) {
	var out []byte
	for _, spec := range specs {
		schemaJSON, err := json.MarshalIndent(spec.Schema, "", "  ")
		if err != nil {
			return "", fmt.Errorf("stage2: marshal tool schema %s: %w", spec.Name, err)
		}
		out = append(out, []byte(fmt.Sprintf("## %s\n%s\n\n", spec.Name, schemaJSON))...)
	}
	return string(out), nil
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("stage2: marshal tool result: %w", err)
	}
	return string(b), nil
}
