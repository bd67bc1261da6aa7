package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

var validStrategies = map[string]bool{
	"random":      true,
	"round_robin": true,
	"weighted":    true,
	"hash":        true,
	"single":      true,
}

var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// Validate performs configuration validation across all sections
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateInstrument()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateScheduler()...)
	errs = append(errs, c.validateTrading()...)
	errs = append(errs, c.validateRisk()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errs ValidationErrors

	if c.App.Name == "" {
		errs = append(errs, ValidationError{Field: "app.name", Message: "application name is required"})
	}
	if !validEnvironments[c.App.Environment] {
		errs = append(errs, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("unknown environment %q (development, staging, production)", c.App.Environment),
		})
	}
	return errs
}

func (c *Config) validateInstrument() ValidationErrors {
	var errs ValidationErrors

	if c.Instrument.Symbol == "" {
		errs = append(errs, ValidationError{Field: "instrument.symbol", Message: "instrument symbol is required"})
	}
	if c.Instrument.Venue == "" {
		errs = append(errs, ValidationError{Field: "instrument.venue", Message: "instrument venue is required"})
	}
	return errs
}

func (c *Config) validateLLM() ValidationErrors {
	var errs ValidationErrors

	if !validStrategies[c.LLM.Strategy] {
		errs = append(errs, ValidationError{
			Field:   "llm.strategy",
			Message: fmt.Sprintf("unknown selection strategy %q", c.LLM.Strategy),
		})
	}
	if c.LLM.Strategy == "single" && c.LLM.PrimaryProvider == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.primary_provider",
			Message: "primary_provider is required when strategy is \"single\"",
		})
	}
	if c.LLM.MaxConcurrent < 1 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_concurrent",
			Message: "max_concurrent must be at least 1",
		})
	}
	if c.LLM.SoftThrottleFactor <= 0 || c.LLM.SoftThrottleFactor > 1 {
		errs = append(errs, ValidationError{
			Field:   "llm.soft_throttle_factor",
			Message: "soft_throttle_factor must be in (0, 1]",
		})
	}
	for name, p := range c.LLM.Providers {
		if p.BaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("llm.providers.%s.base_url", name),
				Message: "base_url is required",
			})
		}
		if len(p.Models) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("llm.providers.%s.models", name),
				Message: "at least one model is required",
			})
		}
		if p.RatePerMinute < 0 || p.RatePerDay < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("llm.providers.%s", name),
				Message: "rate limits must not be negative",
			})
		}
	}
	return errs
}

func (c *Config) validateScheduler() ValidationErrors {
	var errs ValidationErrors

	if c.Scheduler.StrategicMinutes < 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.strategic_minutes",
			Message: "strategic_minutes must not be negative (0 = per instrument profile)",
		})
	}
	if c.Scheduler.TacticalMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.tactical_minutes",
			Message: "tactical_minutes must be at least 1",
		})
	}
	if c.Scheduler.ExecutionPollMS < 10 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.execution_poll_ms",
			Message: "execution_poll_ms must be at least 10",
		})
	}
	return errs
}

func (c *Config) validateTrading() ValidationErrors {
	var errs ValidationErrors

	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		errs = append(errs, ValidationError{
			Field:   "trading.mode",
			Message: fmt.Sprintf("mode must be \"paper\" or \"live\", got %q", c.Trading.Mode),
		})
	}
	if c.Trading.InitialCapital <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trading.initial_capital",
			Message: "initial_capital must be positive",
		})
	}
	return errs
}

func (c *Config) validateRisk() ValidationErrors {
	var errs ValidationErrors

	for _, profile := range []string{"aggressive", "conservative", "neutral"} {
		rp, ok := c.Risk[profile]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   "risk." + profile,
				Message: "risk profile is required",
			})
			continue
		}
		if rp.MaxPositionSize <= 0 || rp.MaxPositionSize > 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("risk.%s.max_position_size", profile),
				Message: "max_position_size must be in (0, 1]",
			})
		}
		if rp.StopLossPct <= 0 || rp.TakeProfitPct <= 0 {
			errs = append(errs, ValidationError{
				Field:   "risk." + profile,
				Message: "stop_loss_pct and take_profit_pct must be positive",
			})
		}
	}
	return errs
}
