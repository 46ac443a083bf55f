package slack

import (
	"fmt"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/notify"
)

const maxTextLen = 3000

func buildMessage(m notify.Message, mention string) map[string]any {
	blocks := []map[string]any{headerBlock(m)}
	if m.PingTeam && mention != "" {
		blocks = append(blocks, mentionBlock(mention))
	}
	blocks = append(blocks, textBlock(m))
	if len(m.Fields) > 0 {
		blocks = append(blocks, fieldsBlock(m.Fields))
	}
	if len(m.Buttons) > 0 {
		blocks = append(blocks, actionsBlock(m.AlertID, m.Buttons))
	}
	if m.Footer != "" {
		blocks = append(blocks, contextBlock(m.Footer))
	}

	// top level text is the notification fallback; mentions only ping from here
	fallback := fmt.Sprintf("%s %s", tierEmoji(m.Tier), m.Title)
	if m.PingTeam && mention != "" {
		fallback = mention + " " + fallback
	}
	return map[string]any{
		"text":   fallback,
		"blocks": blocks,
	}
}

func headerBlock(m notify.Message) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s %s", tierEmoji(m.Tier), m.Title), 150),
		},
	}
}

func mentionBlock(mention string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": mention,
		},
	}
}

func textBlock(m notify.Message) map[string]any {
	text := truncate(m.Text, maxTextLen)
	if text == "" {
		text = "_No details available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func fieldsBlock(fields []notify.Field) map[string]any {
	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", f.Label, f.Value),
		})
	}
	return map[string]any{
		"type":   "section",
		"fields": out,
	}
}

func actionsBlock(alertID string, buttons []notify.Button) map[string]any {
	elements := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		el := map[string]any{
			"type":      "button",
			"action_id": b.ActionID,
			"value":     b.Value,
			"text": map[string]any{
				"type": "plain_text",
				"text": b.Label,
			},
		}
		if b.Style != "" {
			el["style"] = b.Style
		}
		elements = append(elements, el)
	}
	return map[string]any{
		"type":     "actions",
		"block_id": "alert:" + alertID,
		"elements": elements,
	}
}

func contextBlock(footer string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": "lifeline • " + footer,
			},
		},
	}
}

func tierEmoji(t alert.Tier) string {
	switch t {
	case alert.TierCritical:
		return "\U0001f534" // red circle
	case alert.TierHigh:
		return "\U0001f7e0" // orange circle
	case alert.TierMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
