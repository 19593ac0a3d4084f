package llm

import "strings"

// SystemPromptEnglish is the default persona when a voice carries no prompt.
const SystemPromptEnglish = `You are a friendly phone assistant speaking with a caller on a live call.

RULES:
- Keep replies short: 1-2 sentences.
- Ask only one thing per turn.
- Never read out lists, markup or URLs. Speak naturally.
- If you did not understand, ask the caller to repeat briefly.`

// SystemPromptCzech is the Czech default persona.
const SystemPromptCzech = `Jsi přátelská telefonní asistentka a právě mluvíš s volajícím.

PRAVIDLA:
- Mluv stručně (1-2 věty).
- Ptej se vždy jen na jednu věc.
- Nikdy nečti seznamy, formátování ani odkazy. Mluv přirozeně.
- Když nerozumíš, krátce požádej o zopakování.`

// VoiceGuardrailsEnglish are appended to every persona, custom or default.
const VoiceGuardrailsEnglish = `IMPORTANT (always, even with custom instructions):
- One question per turn.
- Plain spoken sentences only: no bullet points, no emoji, no markdown.
- Be brief. Never explain at length.`

// VoiceGuardrailsCzech are appended to every Czech persona.
const VoiceGuardrailsCzech = `DŮLEŽITÉ (dodrž vždy, i když máš vlastní instrukce):
- Ptej se vždy jen na JEDNU věc v jednom tahu.
- Mluv jen obyčejnými větami: žádné odrážky, emoji ani formátování.
- Buď stručná: 1–2 věty. Žádné dlouhé vysvětlování.`

// SystemPrompt builds the system message for a turn. An empty persona falls
// back to the language default; guardrails are always applied.
func SystemPrompt(language, persona string) string {
	czech := isCzech(language)
	base := strings.TrimSpace(persona)
	if base == "" {
		base = SystemPromptEnglish
		if czech {
			base = SystemPromptCzech
		}
	}
	guard := VoiceGuardrailsEnglish
	if czech {
		guard = VoiceGuardrailsCzech
	}
	return base + "\n\n" + guard
}

func isCzech(language string) bool {
	l := strings.ToLower(language)
	return l == "cs" || strings.HasPrefix(l, "cs-")
}
