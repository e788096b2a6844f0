package config

import "github.com/cuongbtq/gemmie-chat/internal/gemmie"

// GemmieSettings maps the file sections onto the scheduler configuration.
// Zero values are left for gemmie.Config.ApplyDefaults.
func (c *Config) GemmieSettings() gemmie.Config {
	g := c.Gemmie

	settings := gemmie.Config{
		Name:         g.Name,
		KeyPrefix:    g.KeyPrefix,
		Channel:      g.Channel,
		ProcessURL:   g.ProcessURL(),
		ReactURL:     g.ReactURL(),
		Delay:        g.Delay,
		LockMargin:   g.LockMargin,
		OrphanBuffer: g.OrphanBuffer,
		ProcessedTTL: g.ProcessedTTL,
		HistoryLimit: g.HistoryLimit,
		Generator: gemmie.GeneratorConfig{
			Model:        c.LLM.Primary.Model,
			MaxTokens:    c.LLM.Primary.MaxTokens,
			Temperature:  c.LLM.Primary.Temperature,
			Timezone:     g.Timezone,
			MaxSentences: g.MaxSentences,
			MaxChars:     g.MaxChars,
			Fallbacks:    g.Fallbacks,
		},
		Sanitizer: gemmie.SanitizerConfig{
			Model:       c.LLM.Cleanup.Model,
			MaxTokens:   c.LLM.Cleanup.MaxTokens,
			Temperature: c.LLM.Cleanup.Temperature,
			MaxWords:    g.MaxWords,
			Placeholder: g.Placeholder,
		},
		Reaction: gemmie.ReactionConfig{
			Enabled:     g.Reaction.Enabled,
			Probability: g.Reaction.Probability,
			MinDelay:    g.Reaction.MinDelay,
			MaxDelay:    g.Reaction.MaxDelay,
			Emojis:      g.Reaction.Emojis,
		},
	}

	settings.ApplyDefaults()
	return settings
}
