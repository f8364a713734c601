package fraudcore

import (
	"github.com/fraudcore/engine/internal/embedding"
	"github.com/fraudcore/engine/internal/search"
	"github.com/fraudcore/engine/internal/stage2"
)

// EmbeddingProvider is the extension point for overriding the
// auto-detected embedding backend (WithEmbeddingProvider). Reuses
// internal/embedding.Provider directly — there's no enterprise plugin
// boundary to translate across here, unlike a server's public API.
type EmbeddingProvider = embedding.Provider

// SearchIndex is the extension point for overriding the auto-detected
// vector index (WithSearchIndex). Reuses internal/search.Index directly.
type SearchIndex = search.Index

// Reasoner is the extension point for overriding the Stage-2 tool-reasoner
// backend (WithReasoner), normally internal/stage2.NewOllamaReasoner.
type Reasoner = stage2.Reasoner
