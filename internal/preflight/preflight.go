package preflight

import (
	"context"
	"sort"

	"conveyor/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckStorage(ctx, cfg),
	}

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		results = append(results, CheckRedis(ctx, cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, cfg.Queue.RedisDB))
	case config.QueueBadger:
		results = append(results, CheckDirectoryAccess("Badger directory", cfg.Queue.BadgerDir))
	}

	stages := make([]string, 0, len(cfg.Collaborators.Endpoints))
	for stage := range cfg.Collaborators.Endpoints {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		results = append(results, CheckEndpoint(ctx, "Collaborator "+stage, cfg.Collaborators.Endpoints[stage]))
	}
	return results
}

// Failed counts the results that did not pass.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}
