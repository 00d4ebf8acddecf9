package extract

import "unicode/utf8"

// maxPromptRunes bounds the signal text sent to the model.
const maxPromptRunes = 12_000

const systemPrompt = `You extract structured entities from customer communication.

Return ONLY a JSON object of the form:
{"customers": ["..."], "issues": ["..."]}

Rules:
- "customers" lists the customer companies or organizations the text is about, spelled as written.
- "issues" lists short phrases naming each product problem, defect or request mentioned.
- Do not invent entities. If nothing qualifies, return empty arrays.
- Do not include the author's own company, people's names, or product features that are not problems.`

func userPrompt(content string) string {
	if utf8.RuneCountInString(content) > maxPromptRunes {
		content = string([]rune(content)[:maxPromptRunes])
	}
	return "Text:\n<<<\n" + content + "\n>>>"
}
