package selector

import (
	"strings"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// signature identifies a vendor by substrings of an endpoint's base URL or
// name. Order matters: more specific hosts come before generic vendor names.
type signature struct {
	provider string
	dialect  domain.Dialect
	needles  []string
}

var signatures = []signature{
	{"anthropic", domain.DialectAnthropic, []string{"api.anthropic.com", "anthropic", "claude"}},
	{"azure", domain.DialectOpenAI, []string{"openai.azure.com", "azure"}},
	{"xai", domain.DialectOpenAI, []string{"api.x.ai", "grok", "xai"}},
	{"gemini", domain.DialectOpenAI, []string{"generativelanguage.googleapis.com", "gemini"}},
	{"deepseek", domain.DialectOpenAI, []string{"deepseek"}},
	{"ollama", domain.DialectOpenAI, []string{"ollama", ":11434"}},
	{"openai", domain.DialectOpenAI, []string{"api.openai.com", "openai"}},
}

func matchSignature(e *domain.ProviderEndpoint) (signature, bool) {
	haystack := strings.ToLower(e.BaseURL + " " + e.Name)
	for _, sig := range signatures {
		for _, needle := range sig.needles {
			if strings.Contains(haystack, needle) {
				return sig, true
			}
		}
	}
	return signature{}, false
}

// InferProvider names the vendor behind an endpoint. Unknown endpoints are
// reported under their dialect's name.
func InferProvider(e *domain.ProviderEndpoint) string {
	if sig, ok := matchSignature(e); ok {
		return sig.provider
	}
	return InferDialect(e).String()
}

// InferDialect picks the wire dialect: an explicit provider_protocol tag
// wins, then the vendor signature table, then DefaultDialect.
func InferDialect(e *domain.ProviderEndpoint) domain.Dialect {
	if d, ok := domain.ParseDialect(e.ProviderProtocol); ok {
		return d
	}
	if sig, ok := matchSignature(e); ok {
		return sig.dialect
	}
	return domain.DefaultDialect
}

var (
	testPrefixes = []string{"test-", "env-default-"}
	testKeywords = []string{"mock", "测试", "模拟"}
)

// IsTestEndpoint reports whether an endpoint's name marks it as a test
// fixture.
func IsTestEndpoint(e *domain.ProviderEndpoint) bool {
	name := strings.ToLower(strings.TrimSpace(e.Name))
	for _, p := range testPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, k := range testKeywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}
