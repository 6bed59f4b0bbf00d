package domain

import "strings"

// embeddingPrefixes are model families that only produce embeddings.
var embeddingPrefixes = []string{
	"text-embedding-",
	"voyage-",
	"embed-",
	"bge-",
	"nomic-embed",
	"mxbai-embed",
}

// IsEmbeddingModel reports whether name looks like an embedding-only model
// that can never serve a chat stream.
func IsEmbeddingModel(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	if strings.Contains(n, "embedding") {
		return true
	}
	for _, p := range embeddingPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}
