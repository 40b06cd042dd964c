package config

import (
	"fmt"
)

// knownProviders are the provider kinds the LLM registry can construct.
var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
}

func validate(cfg *Config, yml *YAMLConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return newValidationError("server", "", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}
	if cfg.Database.URL == "" {
		return newValidationError("database", "", "url", ErrMissingRequiredField)
	}

	if err := validateProviders(yml); err != nil {
		return err
	}
	if err := validateChunking(cfg); err != nil {
		return err
	}
	if cfg.Queue.WorkerCount < 1 {
		return newValidationError("queue", "", "worker_count",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Queue.WorkerCount))
	}
	for name, m := range yml.MCPServers {
		if m.Command == "" {
			return newValidationError("mcp_server", name, "command", ErrMissingRequiredField)
		}
	}
	return nil
}

func validateProviders(yml *YAMLConfig) error {
	for name, p := range yml.Providers {
		if p.Provider == "" {
			return newValidationError("provider", name, "provider", ErrMissingRequiredField)
		}
		if !knownProviders[p.Provider] {
			return newValidationError("provider", name, "provider",
				fmt.Errorf("%w: %q (known: openai, anthropic)", ErrInvalidValue, p.Provider))
		}
		if p.Model == "" {
			return newValidationError("provider", name, "model", ErrMissingRequiredField)
		}
		if p.Fallback != "" {
			if _, ok := yml.Providers[p.Fallback]; !ok {
				return newValidationError("provider", name, "fallback",
					fmt.Errorf("%w: provider %q is not defined", ErrInvalidReference, p.Fallback))
			}
			if p.Fallback == name {
				return newValidationError("provider", name, "fallback",
					fmt.Errorf("%w: provider cannot fall back to itself", ErrInvalidValue))
			}
		}
	}
	return nil
}

func validateChunking(cfg *Config) error {
	if cfg.Chunking.ChunkSize < 1 {
		return newValidationError("rag", "", "chunk_size",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Chunking.ChunkSize))
	}
	if cfg.Chunking.ChunkOverlap >= cfg.Chunking.ChunkSize {
		return newValidationError("rag", "", "chunk_overlap",
			fmt.Errorf("%w: overlap %d must be smaller than chunk size %d",
				ErrInvalidValue, cfg.Chunking.ChunkOverlap, cfg.Chunking.ChunkSize))
	}
	return nil
}
