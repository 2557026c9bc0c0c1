package a2a

// BuildAgentCard returns the agent card advertising the task skill. The
// card is static apart from the deployment URL and version.
func BuildAgentCard(baseURL, version string) AgentCard {
	return AgentCard{
		Name:        "PlanLoom",
		Description: "Plan-driven coordinator for multi-step coding sessions",
		URL:         baseURL,
		Version:     version,
		Skills: []Skill{
			{
				ID:          "execute-task",
				Name:        "Execute Task",
				Description: "Plan and execute a multi-step coding task with a review gate before completion",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
		Capabilities: struct {
			Streaming bool `json:"streaming"`
		}{Streaming: true},
	}
}
