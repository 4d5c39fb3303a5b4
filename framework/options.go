package framework

// GenerationConfig configures one generation call. Nil fields are left for
// the backend to default.
type GenerationConfig struct {
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Int and Float return pointers for use in GenerationConfig literals.
func Int(v int) *int { return &v }

func Float(v float64) *float64 { return &v }
