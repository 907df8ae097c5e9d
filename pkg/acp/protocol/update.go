package protocol

import (
	"encoding/json"
	"strings"
)

// Canonical internally-tagged session update types. The wire carries several
// historical shapes (tagged-string, nested-object, bare variants); the
// normalizer folds all of them into {"type": <tag>, ...fields}.
const (
	UpdateUserMessageChunk        = "userMessageChunk"
	UpdateAgentMessageChunk       = "agentMessageChunk"
	UpdateAgentThoughtChunk       = "agentThoughtChunk"
	UpdateToolCall                = "toolCall"
	UpdateToolCallUpdate          = "toolCallUpdate"
	UpdatePlan                    = "plan"
	UpdateAvailableCommandsUpdate = "availableCommandsUpdate"
	UpdateCurrentModeUpdate       = "currentModeUpdate"
	UpdateConfigOptionUpdate      = "configOptionUpdate"
	UpdateTurnComplete            = "turnComplete"
	UpdateRaw                     = "raw"
)

// bareVariants recognizes discriminator-less payloads by a characteristic
// key and synthesizes the canonical tag. Order matters: first match wins.
var bareVariants = []struct {
	key string
	tag string
}{
	{"availableCommands", UpdateAvailableCommandsUpdate},
	{"currentModeId", UpdateCurrentModeUpdate},
	{"configOptions", UpdateConfigOptionUpdate},
	{"stopReason", UpdateTurnComplete},
}

// ExtractSessionNotification unpacks the session/update params. Agents that
// follow the spec send {"sessionId": ..., "update": {...}}; older ones send
// the update inline with the session id mixed in. When the envelope omits
// the session id, fallbackSessionID is used.
func ExtractSessionNotification(params json.RawMessage, fallbackSessionID string) (string, json.RawMessage) {
	var envelope SessionNotification
	if err := json.Unmarshal(params, &envelope); err != nil {
		return fallbackSessionID, params
	}

	sessionID := envelope.SessionID
	if sessionID == "" {
		sessionID = fallbackSessionID
	}
	if len(envelope.Update) > 0 {
		return sessionID, envelope.Update
	}
	return sessionID, params
}

// NormalizeSessionUpdate produces an internally-tagged value for every
// inbound session update shape. It never fails: anything unrecognized is
// wrapped as {"type": "raw", "json": <original>}.
//
// Normalization is a fixpoint: an object that already carries a string
// "type" and no wire discriminator is returned unchanged.
func NormalizeSessionUpdate(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return rawUpdate(raw)
	}

	// Tagged-string and nested-object shapes.
	if disc, present := obj["sessionUpdate"]; present {
		switch d := disc.(type) {
		case string:
			out := make(map[string]any, len(obj))
			for k, v := range obj {
				if k == "sessionUpdate" || k == "sessionId" {
					continue
				}
				out[k] = v
			}
			// The discriminator wins over any stray "type" field.
			out["type"] = canonicalTag(d)
			return out
		case map[string]any:
			if t, ok := d["type"].(string); ok {
				out := make(map[string]any, len(d))
				for k, v := range d {
					out[k] = v
				}
				out["type"] = canonicalTag(t)
				return out
			}
		}
		// sessionUpdate present but unusable: fall through to raw.
		return rawUpdate(raw)
	}

	// Already internally tagged.
	if _, ok := obj["type"].(string); ok {
		return obj
	}

	// Bare variants without a discriminator.
	for _, v := range bareVariants {
		if _, ok := obj[v.key]; ok {
			out := make(map[string]any, len(obj))
			for k, val := range obj {
				if k == "sessionId" {
					continue
				}
				out[k] = val
			}
			out["type"] = v.tag
			return out
		}
	}

	return rawUpdate(raw)
}

// rawUpdate wraps an unrecognized payload. Undecodable bytes are preserved
// as a string so the wrapper itself always serializes.
func rawUpdate(raw json.RawMessage) map[string]any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = string(raw)
	}
	return map[string]any{"type": UpdateRaw, "json": v}
}

// canonicalTag folds snake_case wire discriminators (agent_message_chunk)
// into the canonical camelCase tags. Tags already in camelCase pass through.
func canonicalTag(tag string) string {
	if !strings.Contains(tag, "_") {
		return tag
	}
	parts := strings.Split(tag, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// UpdateType returns the tag of a normalized update.
func UpdateType(update map[string]any) string {
	t, _ := update["type"].(string)
	return t
}

// ToolCallID extracts the tool call id from a normalized toolCall or
// toolCallUpdate value, or "" if absent.
func ToolCallID(update map[string]any) string {
	if id, ok := update["toolCallId"].(string); ok {
		return id
	}
	// Some agents nest the tool call payload.
	for _, key := range []string{"toolCall", "toolCallUpdate"} {
		if inner, ok := update[key].(map[string]any); ok {
			if id, ok := inner["toolCallId"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// ToolCallStatus extracts the status from a normalized tool call update,
// or "" if absent.
func ToolCallStatus(update map[string]any) string {
	if s, ok := update["status"].(string); ok {
		return s
	}
	for _, key := range []string{"toolCall", "toolCallUpdate"} {
		if inner, ok := update[key].(map[string]any); ok {
			if s, ok := inner["status"].(string); ok {
				return s
			}
		}
	}
	return ""
}
