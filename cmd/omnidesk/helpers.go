package main

import (
	"fmt"
	"os"
	"strings"

	omnidesk "github.com/omnidesk-hq/omnidesk-go"
)

// getClient creates an Omnidesk client authenticated with the stored token.
func getClient() *omnidesk.Client {
	cfg := mustConfig()

	var opts []omnidesk.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, omnidesk.WithBaseURL(cfg.Default.BaseURL))
	}

	return omnidesk.NewClient(cfg.Auth.Token, opts...)
}

// getAgent builds the agent identity from config for event authorization.
func getAgent() omnidesk.Agent {
	cfg := mustConfig()
	agent := omnidesk.Agent{ID: cfg.Agent.ID}
	for _, q := range strings.Split(cfg.Agent.Queues, ",") {
		q = strings.TrimSpace(q)
		if q != "" {
			agent.Queues = append(agent.Queues, q)
		}
	}
	return agent
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'omnidesk init <token>' or set OMNIDESK_TOKEN.")
		os.Exit(1)
	}
	return cfg
}
