package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Commands is the bot behavior configuration loaded from a YAML file shipped
// with the ingress function: which commands are forwarded to the agent, which
// are answered locally, and who may talk to the bot.
type Commands struct {
	AgentCommands []string          `yaml:"agent_commands"`
	LocalCommands map[string]string `yaml:"local_commands"`
	Allowlist     Allowlist         `yaml:"user_allowlist"`
}

// Allowlist is the set of user IDs permitted to use the bot. The YAML form
// accepts integer IDs and the string "all" as a wildcard.
type Allowlist struct {
	All bool
	IDs map[int64]struct{}
}

func (a *Allowlist) UnmarshalYAML(value *yaml.Node) error {
	var entries []yaml.Node
	if err := value.Decode(&entries); err != nil {
		return fmt.Errorf("config: user_allowlist must be a list: %w", err)
	}
	a.IDs = make(map[int64]struct{}, len(entries))
	for _, n := range entries {
		var id int64
		if err := n.Decode(&id); err == nil {
			a.IDs[id] = struct{}{}
			continue
		}
		var s string
		if err := n.Decode(&s); err == nil && strings.TrimSpace(s) == "all" {
			a.All = true
			continue
		}
		return fmt.Errorf("config: invalid user_allowlist entry %q", n.Value)
	}
	return nil
}

// Allows reports whether the given user ID is permitted.
func (a Allowlist) Allows(userID int64) bool {
	if a.All {
		return true
	}
	_, ok := a.IDs[userID]
	return ok
}

// LoadCommands reads the command configuration file. A missing file yields a
// permissive default (no commands configured, everyone allowed), matching the
// behavior of an unconfigured deployment.
func LoadCommands(path string) (*Commands, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Commands{Allowlist: Allowlist{All: true}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Commands
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Allowlist.IDs == nil && !c.Allowlist.All {
		c.Allowlist = Allowlist{All: true}
	}
	c.AgentCommands = normalizeCommands(c.AgentCommands)
	if c.LocalCommands != nil {
		normalized := make(map[string]string, len(c.LocalCommands))
		for name, response := range c.LocalCommands {
			if strings.TrimSpace(response) == "" {
				continue
			}
			normalized[normalizeCommand(name)] = response
		}
		c.LocalCommands = normalized
	}
	return &c, nil
}

func normalizeCommands(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, normalizeCommand(c))
	}
	return out
}

func normalizeCommand(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

// ExtractCommand returns the leading command (with slash) from a message
// text, stripping arguments and any @botname suffix. Empty string means the
// text is not a command.
func ExtractCommand(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	command := strings.Fields(trimmed)[0]
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	if command == "/" {
		return ""
	}
	return command
}

// IsAgentCommand reports whether cmd is forwarded to the agent runtime.
func (c *Commands) IsAgentCommand(cmd string) bool {
	for _, a := range c.AgentCommands {
		if a == cmd {
			return true
		}
	}
	return false
}

// IsLocalCommand reports whether cmd has a locally served static response.
func (c *Commands) IsLocalCommand(cmd string) bool {
	_, ok := c.LocalCommands[cmd]
	return ok
}

// LocalResponse returns the static response for a local command.
func (c *Commands) LocalResponse(cmd string) string {
	if r, ok := c.LocalCommands[cmd]; ok {
		return r
	}
	return "Unsupported command."
}

// UnknownCommandMessage builds the help text sent for unrecognized commands.
func (c *Commands) UnknownCommandMessage() string {
	var parts []string
	if len(c.AgentCommands) > 0 {
		parts = append(parts, "Agent commands:\n"+strings.Join(c.AgentCommands, "\n"))
	}
	if len(c.LocalCommands) > 0 {
		names := make([]string, 0, len(c.LocalCommands))
		for name := range c.LocalCommands {
			names = append(names, name)
		}
		sort.Strings(names)
		parts = append(parts, "Local commands:\n"+strings.Join(names, "\n"))
	}
	if len(parts) == 0 {
		return "Unsupported command."
	}
	return "Unsupported command.\n\n" + strings.Join(parts, "\n\n")
}
