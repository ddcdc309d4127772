// Package prompt renders the prompts a minion's turn sends to the model:
// perception/planning, the corrective re-prompt after a malformed plan,
// response generation, and the regulator's meta-analysis.
//
// Every builder is a pure function of its input. No I/O, no clock.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"legion/internal/types"
)

// PerceptionInput is everything the perception prompt is rendered from.
type PerceptionInput struct {
	Minion        *types.Minion
	Channel       *types.Channel
	Trigger       *types.Message
	History       []types.Message // oldest first, already windowed
	Transient     []types.Message // tool records produced earlier in this turn
	Tools         []types.ToolInfo
	Bands         []types.OpinionBand
	CommanderName string
	// ToolCallsLeft is how many more USE_TOOL actions the turn allows.
	ToolCallsLeft int
}

// ResponseInput is everything the response prompt is rendered from.
type ResponseInput struct {
	Minion        *types.Minion
	Channel       *types.Channel
	Trigger       *types.Message
	History       []types.Message
	Transient     []types.Message
	Plan          *types.PerceptionPlan
	Mode          types.OpinionBand
	CommanderName string
}

// RegulatorInput is everything the regulator prompt is rendered from.
type RegulatorInput struct {
	Regulator *types.Minion
	Channel   *types.Channel
	History   []types.Message
}

const planSchema = `{
  "perceptionAnalysis": "what just happened and how you read it",
  "opinionUpdates": [{"participant": "name", "newScore": 1-100, "reason": "why"}],
  "finalOpinions": {"name": 1-100},
  "selectedResponseMode": "band name for the sender of the latest message",
  "action": "SPEAK | STAY_SILENT | USE_TOOL",
  "responsePlan": "what you intend to say or do",
  "toolCall": {"name": "tool name", "arguments": {}},
  "predictedResponseTime": 0,
  "personalNotes": "private notes to your future self"
}`

const reportSchema = `{
  "sentiment": "overall mood of the conversation",
  "inferredGoal": "what the participants seem to be trying to achieve",
  "onTopicScore": 0-100,
  "progressScore": 0-100,
  "stalled": false,
  "summary": "short summary of the recent conversation",
  "nextSteps": ["ordered suggestions"]
}`

// BuildPerception renders the perception/planning prompt.
func BuildPerception(in PerceptionInput) string {
	var sb strings.Builder
	m := in.Minion

	sb.WriteString(fmt.Sprintf("You are %s, a participant in the %s channel %q.\n\n", m.Name, in.Channel.Type, in.Channel.Name))
	sb.WriteString("PERSONA:\n")
	sb.WriteString(strings.TrimSpace(m.Persona))
	sb.WriteString("\n\n")

	sb.WriteString("This is your private planning step. Nobody sees this output. ")
	sb.WriteString("Read the conversation, update how you feel about the participants, and decide what to do next.\n\n")

	if d := m.Diary; d != nil {
		sb.WriteString("YOUR DIARY (from your last turn):\n")
		writeField(&sb, "Analysis", d.PerceptionAnalysis)
		writeField(&sb, "Plan", d.ResponsePlan)
		writeField(&sb, "Notes", d.PersonalNotes)
		sb.WriteString("\n")
	}

	sb.WriteString("YOUR OPINIONS (1-100):\n")
	for _, name := range participants(in) {
		score := m.Opinions.Score(name)
		sb.WriteString(fmt.Sprintf("- %s: %d (%s)\n", name, score, BandFor(in.Bands, score).Name))
	}
	sb.WriteString("\n")

	if len(in.Bands) > 0 {
		sb.WriteString("OPINION BANDS:\n")
		sb.WriteString(describeBands(in.Bands))
		sb.WriteString("\n")
	}

	sb.WriteString("RECENT HISTORY:\n")
	sb.WriteString(FormatHistory(in.History))
	if len(in.Transient) > 0 {
		sb.WriteString("\nTOOL ACTIVITY THIS TURN:\n")
		sb.WriteString(FormatHistory(in.Transient))
	}
	sb.WriteString("\n")

	if in.Trigger != nil {
		sb.WriteString(fmt.Sprintf("LATEST MESSAGE (from %s):\n%s\n\n", in.Trigger.SenderName, in.Trigger.Content))
	}

	if c := SwarmConstraint(in.Channel, in.Trigger, in.CommanderName); c != "" {
		sb.WriteString("CONSTRAINT: ")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}

	if len(in.Tools) > 0 && in.ToolCallsLeft > 0 {
		sb.WriteString(fmt.Sprintf("TOOLS (you may use up to %d more this turn):\n", in.ToolCallsLeft))
		for _, t := range in.Tools {
			sb.WriteString(fmt.Sprintf("- %s: %s", t.Name, t.Description))
			if len(t.InputSchema) > 0 {
				sb.WriteString(" input schema: ")
				sb.Write(compactJSON(t.InputSchema))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("TOOLS: none available. Do not choose USE_TOOL.\n\n")
	}

	sb.WriteString("RULES:\n")
	sb.WriteString("- Scores are integers from 1 to 100. Unknown participants start at 50.\n")
	sb.WriteString("- finalOpinions must include every participant named in opinionUpdates.\n")
	sb.WriteString("- Choose SPEAK to reply, STAY_SILENT to say nothing, or USE_TOOL to call a tool first.\n")
	sb.WriteString("- toolCall is required for USE_TOOL and must be omitted otherwise.\n")
	sb.WriteString("- Let your opinion of the sender and the band guidance shape whether and how you engage.\n\n")

	sb.WriteString("Respond with ONLY a JSON object of this shape, no prose, no code fences:\n")
	sb.WriteString(planSchema)
	sb.WriteString("\n")
	return sb.String()
}

// BuildCorrective wraps the original prompt with the parse failure so the
// model can fix its output on the single retry.
func BuildCorrective(original, badOutput string, parseErr error) string {
	var sb strings.Builder
	sb.WriteString(original)
	sb.WriteString("\nYOUR PREVIOUS OUTPUT WAS REJECTED.\n")
	sb.WriteString(fmt.Sprintf("Problem: %v\n", parseErr))
	sb.WriteString("Previous output:\n")
	sb.WriteString(truncate(badOutput, 2000))
	sb.WriteString("\n\nReturn ONLY the corrected JSON object. It must parse as JSON and follow the shape above exactly.\n")
	return sb.String()
}

// BuildResponse renders the response-generation prompt.
func BuildResponse(in ResponseInput) string {
	var sb strings.Builder
	m := in.Minion

	sb.WriteString(fmt.Sprintf("You are %s, speaking in the %s channel %q.\n\n", m.Name, in.Channel.Type, in.Channel.Name))
	sb.WriteString("PERSONA:\n")
	sb.WriteString(strings.TrimSpace(m.Persona))
	sb.WriteString("\n\n")

	mode := in.Mode.Name
	if mode == "" && in.Plan != nil {
		mode = in.Plan.SelectedResponseMode
	}
	if mode != "" {
		sb.WriteString(fmt.Sprintf("MODE: %s\n", mode))
		if in.Mode.Guidance != "" {
			sb.WriteString(in.Mode.Guidance)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("RECENT HISTORY:\n")
	sb.WriteString(FormatHistory(in.History))
	sb.WriteString("\n")

	if tools := toolOutputs(in.Transient); len(tools) > 0 {
		sb.WriteString("TOOL RESULTS (use them in your reply):\n")
		sb.WriteString(FormatHistory(tools))
		sb.WriteString("\n")
	}

	if p := in.Plan; p != nil {
		sb.WriteString("YOUR PLAN:\n")
		writeField(&sb, "Analysis", p.PerceptionAnalysis)
		writeField(&sb, "Plan", p.ResponsePlan)
		sb.WriteString("\n")
	}

	if c := SwarmConstraint(in.Channel, in.Trigger, in.CommanderName); c != "" {
		sb.WriteString("CONSTRAINT: ")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("Write %s's next chat message now. Output only the message text, without your name or any prefix.\n", m.Name))
	return sb.String()
}

// BuildRegulator renders the regulator's meta-analysis prompt.
func BuildRegulator(in RegulatorInput) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("You are %s, a neutral observer of the channel %q. ", in.Regulator.Name, in.Channel.Name))
	sb.WriteString("You do not take part in the conversation. Analyze it.\n\n")
	if p := strings.TrimSpace(in.Regulator.Persona); p != "" {
		sb.WriteString("FOCUS:\n")
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("CONVERSATION (last %d messages):\n", len(in.History)))
	sb.WriteString(FormatHistory(in.History))
	sb.WriteString("\n")

	sb.WriteString("Judge whether the conversation stays on topic, whether it makes progress, ")
	sb.WriteString("and whether it is stalled or looping.\n")
	sb.WriteString("Respond with ONLY a JSON object of this shape, no prose, no code fences:\n")
	sb.WriteString(reportSchema)
	sb.WriteString("\n")
	return sb.String()
}

// SwarmConstraint returns the addressing constraint for autonomous-swarm
// channels: minions talk among themselves and do not address the commander
// unless the commander sent the latest message.
func SwarmConstraint(ch *types.Channel, trigger *types.Message, commander string) string {
	if ch == nil || ch.Type != types.ChannelSwarm {
		return ""
	}
	if trigger != nil && trigger.SenderKind == types.SenderCommander {
		return ""
	}
	if commander == "" {
		commander = types.CommanderName
	}
	return fmt.Sprintf("This is an autonomous conversation between minions. Do not address %s; talk to the other participants.", commander)
}

// FormatHistory renders messages one per line.
func FormatHistory(msgs []types.Message) string {
	if len(msgs) == 0 {
		return "(no messages yet)\n"
	}
	var sb strings.Builder
	for i := range msgs {
		sb.WriteString(formatMessage(&msgs[i]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatMessage(msg *types.Message) string {
	ts := msg.Timestamp.Format("15:04")
	switch msg.Kind {
	case types.MessageToolCall:
		if msg.ToolCall != nil {
			args, _ := json.Marshal(msg.ToolCall.Arguments)
			return fmt.Sprintf("[%s] %s called tool %s %s", ts, msg.SenderName, msg.ToolCall.Name, args)
		}
	case types.MessageToolOutput:
		if out := msg.ToolOutput; out != nil {
			if out.Failed {
				return fmt.Sprintf("[%s] tool %s FAILED: %s", ts, out.Name, out.Text)
			}
			return fmt.Sprintf("[%s] tool %s returned: %s", ts, out.Name, truncate(out.Text, 4000))
		}
	case types.MessageRegulatorReport:
		return fmt.Sprintf("[%s] (regulator %s report) %s", ts, msg.SenderName, msg.Content)
	case types.MessageSystem:
		return fmt.Sprintf("[%s] (system) %s", ts, msg.Content)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, msg.SenderName, msg.Content)
}

// participants lists everyone the minion holds or should hold an opinion
// on: channel members, the trigger's sender and prior opinions, minus itself.
func participants(in PerceptionInput) []string {
	seen := map[string]bool{in.Minion.Name: true}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, name := range in.Channel.Members {
		add(name)
	}
	if in.Trigger != nil && (in.Trigger.SenderKind == types.SenderCommander || in.Trigger.SenderKind == types.SenderMinion) {
		add(in.Trigger.SenderName)
	}
	for name := range in.Minion.Opinions {
		if in.Channel.HasMember(name) {
			add(name)
		}
	}
	sort.Strings(out)
	return out
}

func toolOutputs(msgs []types.Message) []types.Message {
	var out []types.Message
	for _, m := range msgs {
		if m.Kind == types.MessageToolOutput {
			out = append(out, m)
		}
	}
	return out
}

func writeField(sb *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", label, value))
	}
}

func compactJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
