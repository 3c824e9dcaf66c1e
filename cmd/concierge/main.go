// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command concierge starts the conversational concierge HTTP server.
//
// Configuration comes from an optional YAML file (--config) with
// environment variables layered on top. The zero configuration runs the
// single-node development profile: in-memory stores and fake providers.
//
// # Environment Variables
//
//   - CONCIERGE_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND: "openai" or "local" (default: openai)
//   - LLM_BASE_URL, LLM_API_KEY, LLM_MODEL: model backend settings
//   - SESSION_BACKEND: "memory", "badger" or "postgres" (default: memory)
//   - POSTGRES_DSN, BADGER_PATH: durable session backends
//   - REDIS_ADDR: Redis message buffer (optional)
//   - WEAVIATE_SERVICE_URL: Weaviate semantic store (optional)
//   - GCS_AUDIT_BUCKET: audit artifact bucket (optional)
//   - LOG_LEVEL, LOG_DIR, LOG_FORMAT: log streams (default: info, no file, auto)
//
// # Usage
//
//	go build -o concierge ./cmd/concierge
//	./concierge serve --config config.yaml
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucerne-ai/concierge/pkg/logging"
	"github.com/lucerne-ai/concierge/services/assistant"
	"github.com/lucerne-ai/concierge/services/llm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "Conversational concierge service",
	Long: `Concierge serves a conversational assistant with intent routing,
purchase contracts, layered memory, and retention sweeps.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and block until shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		logger, err := logging.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		defer func() { _ = logger.Close() }()

		slog.Info("starting concierge",
			"port", cfg.Port,
			"llm_backend", cfg.LLM.Backend,
			"session_backend", cfg.SessionBackend,
			"weaviate_url", cfg.WeaviateURL,
		)

		svc, err := assistant.New(cfg, nil)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}
		return svc.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("concierge", assistant.ServiceVersion)
	},
}

func main() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("concierge: %v", err)
	}
}

// loadConfig reads the YAML file when given, then layers environment
// variables over it.
func loadConfig(path string) (assistant.Config, error) {
	var cfg assistant.Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = getEnvInt("CONCIERGE_PORT", cfg.Port)
	cfg.GinMode = getEnvString("GIN_MODE", cfg.GinMode)

	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "concierge"
	}
	cfg.Logging.Level = getEnvString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Dir = getEnvString("LOG_DIR", cfg.Logging.Dir)
	cfg.Logging.Format = logging.Format(getEnvString("LOG_FORMAT", string(cfg.Logging.Format)))

	cfg.LLM = llm.Config{
		Backend: getEnvString("LLM_BACKEND", cfg.LLM.Backend),
		BaseURL: getEnvString("LLM_BASE_URL", cfg.LLM.BaseURL),
		APIKey:  getEnvString("LLM_API_KEY", cfg.LLM.APIKey),
		Model:   getEnvString("LLM_MODEL", cfg.LLM.Model),
		Timeout: cfg.LLM.Timeout,
	}

	cfg.SessionBackend = getEnvString("SESSION_BACKEND", cfg.SessionBackend)
	cfg.BadgerPath = getEnvString("BADGER_PATH", cfg.BadgerPath)
	cfg.PostgresDSN = getEnvString("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = getEnvString("REDIS_ADDR", cfg.RedisAddr)
	cfg.WeaviateURL = getEnvString("WEAVIATE_SERVICE_URL", cfg.WeaviateURL)
	cfg.EmbedderBaseURL = getEnvString("EMBEDDER_BASE_URL", cfg.EmbedderBaseURL)
	cfg.EmbedderAPIKey = getEnvString("EMBEDDER_API_KEY", cfg.EmbedderAPIKey)
	cfg.EmbedderModel = getEnvString("EMBEDDER_MODEL", cfg.EmbedderModel)
	cfg.GCSBucket = getEnvString("GCS_AUDIT_BUCKET", cfg.GCSBucket)
	cfg.VolatilityFile = getEnvString("VOLATILITY_FILE", cfg.VolatilityFile)

	cfg.ProductSearchURL = getEnvString("PRODUCT_SEARCH_URL", cfg.ProductSearchURL)
	cfg.ProductSearchAPIKey = getEnvString("PRODUCT_SEARCH_API_KEY", cfg.ProductSearchAPIKey)
	cfg.SpecsURL = getEnvString("SPECS_URL", cfg.SpecsURL)
	cfg.WebSearchURL = getEnvString("WEB_SEARCH_URL", cfg.WebSearchURL)
	cfg.WebSearchAPIKey = getEnvString("WEB_SEARCH_API_KEY", cfg.WebSearchAPIKey)
	cfg.CheckoutURL = getEnvString("CHECKOUT_URL", cfg.CheckoutURL)
	cfg.CheckoutAPIKey = getEnvString("CHECKOUT_API_KEY", cfg.CheckoutAPIKey)

	return cfg, nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
