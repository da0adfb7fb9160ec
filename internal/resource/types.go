package resource

import (
	"encoding/json"
	"fmt"
)

// ModeParallel and ModePipeline are the two team workflow modes.
const (
	ModeParallel = "parallel"
	ModePipeline = "pipeline"
)

// TeamSpec describes a team workflow: which bots participate and, for
// pipeline mode, the per-position role overrides.
type TeamSpec struct {
	Mode   string     `json:"mode"`
	BotIDs []string   `json:"bot_ids,omitempty"`
	Roles  []TeamRole `json:"roles,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// TeamRole overrides a bot's role at one pipeline position.
type TeamRole struct {
	Position     int    `json:"position"`
	Role         string `json:"role,omitempty"`
	PromptSuffix string `json:"prompt_suffix,omitempty"`
}

// BotSpec describes one agent bot.
type BotSpec struct {
	Name         string          `json:"name"`
	AgentName    string          `json:"agent_name,omitempty"`
	AgentConfig  json.RawMessage `json:"agent_config,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	MCPServers   []MCPServer     `json:"mcp_servers,omitempty"`
	// ModelRef optionally points at a private Model document whose
	// configuration substitutes this bot's own.
	ModelRef *ModelRef `json:"model_ref,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// MCPServer is one tool server attached to a bot.
type MCPServer struct {
	Name string            `json:"name"`
	URL  string            `json:"url,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// ModelRef names a Model document.
type ModelRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// ModelSpec carries a named model configuration.
type ModelSpec struct {
	ModelConfig ModelConfig `json:"modelConfig"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ModelConfig is the effective agent configuration of a model.
type ModelConfig struct {
	AgentName   string            `json:"agent_name,omitempty"`
	AgentConfig json.RawMessage   `json:"agent_config,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// UserSpec carries the per-user settings the dispatcher needs.
type UserSpec struct {
	Name          string        `json:"name"`
	GitIdentities []GitIdentity `json:"git_identities,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// GitIdentity is one per-domain git identity of a user.
type GitIdentity struct {
	Domain string `json:"domain"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Token  string `json:"token,omitempty"`
}

// decodeSpec unmarshals raw into out and collects keys out's type does not
// declare into an extra bag, so forward-compatible payload fields survive a
// round trip without ad-hoc map lookups downstream.
func decodeSpec(raw json.RawMessage, out any, known ...string) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode spec keys: %w", err)
	}
	for _, key := range known {
		delete(all, key)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// DecodeTeamSpec decodes a Team document's spec.
func DecodeTeamSpec(raw json.RawMessage) (TeamSpec, error) {
	var spec TeamSpec
	extra, err := decodeSpec(raw, &spec, "mode", "bot_ids", "roles")
	if err != nil {
		return TeamSpec{}, err
	}
	if spec.Mode == "" {
		spec.Mode = ModeParallel
	}
	if spec.Mode != ModeParallel && spec.Mode != ModePipeline {
		return TeamSpec{}, fmt.Errorf("unknown team mode %q", spec.Mode)
	}
	spec.Extra = extra
	return spec, nil
}

// DecodeBotSpec decodes a Bot document's spec.
func DecodeBotSpec(raw json.RawMessage) (BotSpec, error) {
	var spec BotSpec
	extra, err := decodeSpec(raw, &spec,
		"name", "agent_name", "agent_config", "system_prompt", "mcp_servers", "model_ref")
	if err != nil {
		return BotSpec{}, err
	}
	spec.Extra = extra
	return spec, nil
}

// DecodeModelSpec decodes a Model document's spec.
func DecodeModelSpec(raw json.RawMessage) (ModelSpec, error) {
	var spec ModelSpec
	extra, err := decodeSpec(raw, &spec, "modelConfig")
	if err != nil {
		return ModelSpec{}, err
	}
	spec.Extra = extra
	return spec, nil
}

// DecodeUserSpec decodes a User document's spec.
func DecodeUserSpec(raw json.RawMessage) (UserSpec, error) {
	var spec UserSpec
	extra, err := decodeSpec(raw, &spec, "name", "git_identities")
	if err != nil {
		return UserSpec{}, err
	}
	spec.Extra = extra
	return spec, nil
}
