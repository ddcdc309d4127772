// Package types holds the legion data model shared by every engine package:
// minions, channels, messages, plans, reports and the external boundaries.
package types

import (
	"encoding/json"
	"slices"
	"time"
)

// Opinion score bounds.
const (
	MinOpinion     = 1
	MaxOpinion     = 100
	DefaultOpinion = 50
)

// CommanderName is the default display name of the human operator.
const CommanderName = "Commander"

// Role distinguishes conversational minions from regulators.
type Role string

const (
	RoleStandard  Role = "standard"
	RoleRegulator Role = "regulator"
)

// ChannelType controls membership and scheduling rules for a channel.
type ChannelType string

const (
	ChannelGroup     ChannelType = "group"
	ChannelDM        ChannelType = "dm"
	ChannelSwarm     ChannelType = "autonomous-swarm"
	ChannelSystemLog ChannelType = "system-log"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelGroup, ChannelDM, ChannelSwarm, ChannelSystemLog:
		return true
	}
	return false
}

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderCommander SenderKind = "commander"
	SenderMinion    SenderKind = "minion"
	SenderSystem    SenderKind = "system"
	SenderTool      SenderKind = "tool"
)

// MessageKind distinguishes ordinary chat from structured records.
type MessageKind string

const (
	MessageChat            MessageKind = "chat"
	MessageRegulatorReport MessageKind = "regulator-report"
	MessageToolCall        MessageKind = "tool-call"
	MessageToolOutput      MessageKind = "tool-output"
	MessageSystem          MessageKind = "system"
)

// ClampOpinion forces a score into [MinOpinion, MaxOpinion].
func ClampOpinion(score int) int {
	return max(MinOpinion, min(MaxOpinion, score))
}

// OpinionMap maps participant names to scores in [1,100].
type OpinionMap map[string]int

// Score returns the opinion of name, DefaultOpinion when unknown.
func (o OpinionMap) Score(name string) int {
	if s, ok := o[name]; ok {
		return s
	}
	return DefaultOpinion
}

// Clone returns an independent copy.
func (o OpinionMap) Clone() OpinionMap {
	if o == nil {
		return OpinionMap{}
	}
	out := make(OpinionMap, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Minion is a configured AI persona.
type Minion struct {
	Name        string   `json:"name"`
	Persona     string   `json:"persona"`
	Model       string   `json:"model"`
	KeyID       string   `json:"key_id,omitempty"` // empty means load-balanced
	Temperature float32  `json:"temperature"`
	Tools       []string `json:"tools,omitempty"`
	Role        Role     `json:"role"`
	Enabled     bool     `json:"enabled"`

	Opinions OpinionMap      `json:"opinions"`
	Diary    *PerceptionPlan `json:"diary,omitempty"`

	// RegulationInterval is the number of channel messages between reports.
	// Only meaningful for RoleRegulator.
	RegulationInterval int `json:"regulation_interval,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRegulator reports whether the minion produces regulator reports.
func (m *Minion) IsRegulator() bool {
	return m.Role == RoleRegulator
}

// HasTool reports whether name is in the minion's enabled tool list.
func (m *Minion) HasTool(name string) bool {
	return slices.Contains(m.Tools, name)
}

// Clone returns a deep copy safe to mutate.
func (m *Minion) Clone() *Minion {
	c := *m
	c.Tools = slices.Clone(m.Tools)
	c.Opinions = m.Opinions.Clone()
	if m.Diary != nil {
		c.Diary = m.Diary.Clone()
	}
	return &c
}

// DelayMode selects the autonomous delay policy.
type DelayMode string

const (
	DelayFixed  DelayMode = "fixed"
	DelayRandom DelayMode = "random"
)

// DelayPolicy configures the wait between autonomous cycles.
type DelayPolicy struct {
	Mode         DelayMode `json:"mode" yaml:"mode"`
	FixedSeconds int       `json:"fixed_seconds,omitempty" yaml:"fixed_seconds"`
	MinSeconds   int       `json:"min_seconds,omitempty" yaml:"min_seconds"`
	MaxSeconds   int       `json:"max_seconds,omitempty" yaml:"max_seconds"`
}

// Channel is a conversation space with an ordered message log.
type Channel struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	Members  []string    `json:"members"`
	AutoMode bool        `json:"auto_mode"`
	Delay    DelayPolicy `json:"delay"`

	// MessageCounter counts chat messages ever posted to the channel.
	MessageCounter int `json:"message_counter"`
	// RegulatorBaselines holds MessageCounter at each regulator's last report.
	RegulatorBaselines map[string]int `json:"regulator_baselines,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether name is listed as a member.
func (c *Channel) HasMember(name string) bool {
	return slices.Contains(c.Members, name)
}

// Clone returns a deep copy safe to mutate.
func (c *Channel) Clone() *Channel {
	out := *c
	out.Members = slices.Clone(c.Members)
	if c.RegulatorBaselines != nil {
		out.RegulatorBaselines = make(map[string]int, len(c.RegulatorBaselines))
		for k, v := range c.RegulatorBaselines {
			out.RegulatorBaselines[k] = v
		}
	}
	return &out
}

// ToolCall is a tool invocation requested by a plan.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolOutput is the resolved result of a ToolCall.
type ToolOutput struct {
	Name       string          `json:"name"`
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Failed     bool            `json:"failed,omitempty"`
}

// Message is one entry in a channel log.
type Message struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	SenderKind SenderKind  `json:"sender_kind"`
	SenderName string      `json:"sender_name"`
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`

	Diary      *PerceptionPlan  `json:"diary,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	ToolOutput *ToolOutput      `json:"tool_output,omitempty"`
	Report     *RegulatorReport `json:"report,omitempty"`
	Edited     bool             `json:"edited,omitempty"`
}

// CountsTowardRegulation reports whether the message advances the channel's
// regulator counter. Only conversational chat counts.
func (m *Message) CountsTowardRegulation() bool {
	return m.Kind == MessageChat && !m.IsError &&
		(m.SenderKind == SenderCommander || m.SenderKind == SenderMinion)
}

// ApiKey is a provider credential usable by one or more models.
type ApiKey struct {
	ID     string   `json:"id" yaml:"id"`
	Label  string   `json:"label,omitempty" yaml:"label"`
	Secret string   `json:"secret" yaml:"secret"`
	Models []string `json:"models,omitempty" yaml:"models"` // empty means any model
}

// Serves reports whether the key may be used for model.
func (k ApiKey) Serves(model string) bool {
	return len(k.Models) == 0 || slices.Contains(k.Models, model)
}

// QuotaUnmonitored is the ceiling at or above which a dimension is not tracked.
const QuotaUnmonitored = 9999

// QuotaLimit is the configured ceiling set for one model id.
type QuotaLimit struct {
	RPM        int    `json:"rpm" yaml:"rpm"`
	TPM        int    `json:"tpm" yaml:"tpm"`
	RPD        int    `json:"rpd" yaml:"rpd"`
	SharedPool string `json:"sharedPool,omitempty" yaml:"shared_pool"`
}

// OpinionBand is a named score range. A score belongs to the first band
// whose Max is >= the score.
type OpinionBand struct {
	Name     string `json:"name" yaml:"name"`
	Max      int    `json:"max" yaml:"max"`
	Guidance string `json:"guidance" yaml:"guidance"`
}
