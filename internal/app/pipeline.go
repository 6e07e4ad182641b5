package app

import (
	"fmt"

	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/pipeline"
)

var validTags = map[string]pipeline.Tag{
	"input":       pipeline.TagInput,
	"responder":   pipeline.TagResponder,
	"selector":    pipeline.TagSelector,
	"last_chance": pipeline.TagLastChance,
	"timeout":     pipeline.TagTimeout,
}

// BuildPipeline translates the YAML service list into the immutable
// DAG pipeline.Build validates and ranks.
func BuildPipeline(cfg config.Config) (*pipeline.Pipeline, error) {
	services := make([]pipeline.Service, 0, len(cfg.Pipeline))
	for _, sc := range cfg.Pipeline {
		tags := make([]pipeline.Tag, 0, len(sc.Tags))
		for _, t := range sc.Tags {
			tag, ok := validTags[t]
			if !ok {
				return nil, fmt.Errorf("app: service %q declares unknown tag %q", sc.Name, t)
			}
			tags = append(tags, tag)
		}
		s := pipeline.NewService(sc.Name, sc.Label, tags, sc.Previous, sc.RequiredPrevious)
		s.ConnectorName = sc.Connector
		s.StateHookName = sc.StateHook
		s.DialogFormatterName = sc.DialogFormatter
		s.ResponseFormatterName = sc.ResponseFormatter
		s.WorkflowFormatterName = sc.WorkflowFormatter
		services = append(services, s)
	}
	return pipeline.Build(services)
}
