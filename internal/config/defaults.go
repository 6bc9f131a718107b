package config

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry is one documented configuration key.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every known key with its default value.
// They are registered as viper defaults, which also makes each key
// settable through its DOCNAV_ environment variable.
func DefaultEntries() []Entry {
	return []Entry{
		// ===================
		// Model endpoint
		// ===================
		{
			Key:         "llm.base_url",
			Value:       providers.DefaultBaseURL,
			Description: "OpenAI-compatible endpoint (Gemini by default)",
		},
		{
			Key:         "llm.model",
			Value:       providers.DefaultModel,
			Description: "Model used for every phase",
		},
		{
			Key:         "llm.api_key",
			Value:       "${GEMINI_API_KEY}",
			Description: "API key (uses environment variable)",
		},
		{
			Key:         "llm.rate_limit",
			Value:       60,
			Description: "Client-side throttle in requests per minute (0 disables)",
		},
		{
			Key:         "llm.timeout_seconds",
			Value:       300,
			Description: "HTTP timeout in seconds for model requests",
		},

		// ===================
		// Analysis
		// ===================
		{
			Key:         "analysis.text_scan_limit",
			Value:       50,
			Description: "Pages of text read when mapping the document structure",
		},
		{
			Key:         "analysis.visual_batch_size",
			Value:       3,
			Description: "Pages scanned concurrently in the visual phase",
		},
		{
			Key:         "analysis.visual_window",
			Value:       5,
			Description: "Statement pages scanned from the financial position page",
		},
		{
			Key:         "analysis.max_loops",
			Value:       3,
			Description: "Maximum tool round trips per model turn",
		},
		{
			Key:         "analysis.execute_all_tool_calls",
			Value:       false,
			Description: "Execute every tool call of a turn instead of only the first",
		},
		{
			Key:         "analysis.render_scale",
			Value:       pdf.DefaultRenderScale,
			Description: "Raster scale of page images sent to the model",
		},
		{
			Key:         "analysis.debug_scale",
			Value:       pdf.DefaultDebugScale,
			Description: "Raster scale of verification snapshots",
		},

		// ===================
		// Retry
		// ===================
		{
			Key:         "retry.max_retries",
			Value:       retry.DefaultMaxRetries,
			Description: "Retries of a rate limited model call before pausing",
		},
		{
			Key:         "retry.initial_delay",
			Value:       retry.DefaultInitialDelay.String(),
			Description: "First backoff delay, doubled on each retry",
		},

		// ===================
		// Prompts and CLI
		// ===================
		{
			Key:         "prompts.dir",
			Value:       "",
			Description: "Directory of prompt overrides (defaults to ~/.docnav/prompts)",
		},
		{
			Key:         "defaults.debug",
			Value:       false,
			Description: "Enable debug logging",
		},
		{
			Key:         "defaults.output_format",
			Value:       "yaml",
			Description: "Output format for results (yaml or json)",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}
