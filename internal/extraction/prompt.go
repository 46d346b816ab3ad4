package extraction

import (
	"fmt"
	"strings"

	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
)

const jsonOnly = `Your output must be ONLY a single valid JSON object that conforms to the schema below. Do not include any other text, prose, or markdown.`

const summaryPrompt = `You are a story analyst. Read the chapter and summarize it for a writer who will continue the novel.

Rules:
- one_line: a single sentence describing what happens.
- key_events: concrete plot events in the order they happen.
- character_developments: how characters change, learn or decide.
- hooks_planted, hooks_referenced, hooks_resolved: open story threads introduced, mentioned or closed in this chapter.

` + jsonOnly + `

Schema:
{"one_line": string, "key_events": [string], "character_developments": [string],
 "hooks_planted": [string], "hooks_referenced": [string], "hooks_resolved": [string]}`

const hooksPrompt = `You are a story analyst tracking narrative hooks: foreshadowing, mysteries, promises, setups and Chekhov's guns.

Rules:
- planted: new hooks this chapter introduces. type is one of foreshadowing, chekhov_gun, mystery, promise, setup. importance is one of critical, major, minor.
- referenced: descriptions of earlier open hooks this chapter mentions or advances without closing.
- resolved: earlier open hooks this chapter pays off, with a short note on how.
- Reuse the wording of the open hooks listed below when referring to them.

` + jsonOnly + `

Schema:
{"planted": [{"description": string, "type": string, "importance": string, "related_characters": [string]}],
 "referenced": [string],
 "resolved": [{"description": string, "note": string}]}`

const entitiesPrompt = `You are a story analyst. List the named characters and organizations that appear in the chapter.

Rules:
- kind is "character" or "organization".
- description: one sentence on who they are in this chapter.
- Include minor named characters. Do not include places or objects.

` + jsonOnly + `

Schema:
{"entities": [{"name": string, "kind": string, "description": string}]}`

const summarySchema = `{
  "type": "object",
  "required": ["one_line", "key_events"],
  "properties": {
    "one_line": {"type": "string", "minLength": 1},
    "key_events": {"type": "array", "items": {"type": "string"}},
    "character_developments": {"type": "array", "items": {"type": "string"}},
    "hooks_planted": {"type": "array", "items": {"type": "string"}},
    "hooks_referenced": {"type": "array", "items": {"type": "string"}},
    "hooks_resolved": {"type": "array", "items": {"type": "string"}}
  }
}`

const hooksSchema = `{
  "type": "object",
  "properties": {
    "planted": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "importance": {"type": "string"},
          "related_characters": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "referenced": {"type": "array", "items": {"type": "string"}},
    "resolved": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "note": {"type": "string"}
        }
      }
    }
  }
}`

const entitiesSchema = `{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "kind": {"enum": ["character", "organization", ""]},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

// buildMessages constructs the chat messages for one extraction task.
func buildMessages(system string, ch novel.Chapter, text string, extra string) []llm.Message {
	var sb strings.Builder
	if extra != "" {
		sb.WriteString(extra)
		sb.WriteString("\n\n")
	}
	if t := strings.TrimSpace(ch.Title); t != "" {
		fmt.Fprintf(&sb, "[Chapter %d: %s]\n", ch.Order, t)
	} else {
		fmt.Fprintf(&sb, "[Chapter %d]\n", ch.Order)
	}
	sb.WriteString(strings.TrimSpace(text))
	return []llm.Message{llm.System(system), llm.User(sb.String())}
}

func openHooksSection(hooks []novel.NarrativeHook) string {
	if len(hooks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Open Hooks]\n")
	for _, h := range hooks {
		fmt.Fprintf(&sb, "- %s\n", h.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
