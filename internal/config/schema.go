package config

// Config holds docnav configuration.
// Stored at: ~/.docnav/config.yaml (or ./config.yaml)
type Config struct {
	LLM      LLMCfg      `mapstructure:"llm" yaml:"llm"`
	Analysis AnalysisCfg `mapstructure:"analysis" yaml:"analysis"`
	Retry    RetryCfg    `mapstructure:"retry" yaml:"retry"`
	Prompts  PromptsCfg  `mapstructure:"prompts" yaml:"prompts"`
	Defaults DefaultsCfg `mapstructure:"defaults" yaml:"defaults"`
}

// LLMCfg configures the OpenAI-compatible reasoning endpoint.
type LLMCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`       // supports ${ENV_VAR} syntax
	RateLimit      int    `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per minute, 0 disables
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// AnalysisCfg tunes the three analysis phases.
type AnalysisCfg struct {
	TextScanLimit       int     `mapstructure:"text_scan_limit" yaml:"text_scan_limit"`
	VisualBatchSize     int     `mapstructure:"visual_batch_size" yaml:"visual_batch_size"`
	VisualWindow        int     `mapstructure:"visual_window" yaml:"visual_window"`
	MaxLoops            int     `mapstructure:"max_loops" yaml:"max_loops"`
	ExecuteAllToolCalls bool    `mapstructure:"execute_all_tool_calls" yaml:"execute_all_tool_calls"`
	RenderScale         float64 `mapstructure:"render_scale" yaml:"render_scale"`
	DebugScale          float64 `mapstructure:"debug_scale" yaml:"debug_scale"`
}

// RetryCfg configures backoff on rate limited model calls.
type RetryCfg struct {
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay string `mapstructure:"initial_delay" yaml:"initial_delay"` // Go duration, e.g. "2s"
}

// PromptsCfg locates prompt overrides.
type PromptsCfg struct {
	// Dir holds <key>.tmpl overrides. Empty means <home>/prompts.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultsCfg holds CLI defaults.
type DefaultsCfg struct {
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
	OutputFormat string `mapstructure:"output_format" yaml:"output_format"` // "yaml" or "json"
}

// DefaultConfig returns configuration built from DefaultEntries.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMCfg{
			BaseURL:        defaultString("llm.base_url"),
			Model:          defaultString("llm.model"),
			APIKey:         defaultString("llm.api_key"),
			RateLimit:      defaultInt("llm.rate_limit"),
			TimeoutSeconds: defaultInt("llm.timeout_seconds"),
		},
		Analysis: AnalysisCfg{
			TextScanLimit:       defaultInt("analysis.text_scan_limit"),
			VisualBatchSize:     defaultInt("analysis.visual_batch_size"),
			VisualWindow:        defaultInt("analysis.visual_window"),
			MaxLoops:            defaultInt("analysis.max_loops"),
			ExecuteAllToolCalls: defaultBool("analysis.execute_all_tool_calls"),
			RenderScale:         defaultFloat("analysis.render_scale"),
			DebugScale:          defaultFloat("analysis.debug_scale"),
		},
		Retry: RetryCfg{
			MaxRetries:   defaultInt("retry.max_retries"),
			InitialDelay: defaultString("retry.initial_delay"),
		},
		Prompts: PromptsCfg{
			Dir: defaultString("prompts.dir"),
		},
		Defaults: DefaultsCfg{
			Debug:        defaultBool("defaults.debug"),
			OutputFormat: defaultString("defaults.output_format"),
		},
	}
}

func defaultString(key string) string {
	v, _ := mustDefault(key).(string)
	return v
}

func defaultInt(key string) int {
	v, _ := mustDefault(key).(int)
	return v
}

func defaultFloat(key string) float64 {
	v, _ := mustDefault(key).(float64)
	return v
}

func defaultBool(key string) bool {
	v, _ := mustDefault(key).(bool)
	return v
}

func mustDefault(key string) any {
	e := GetDefault(key)
	if e == nil {
		panic("config: no default for " + key)
	}
	return e.Value
}
