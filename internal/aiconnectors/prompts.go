package aiconnectors

// Extraction prompt pieces.
const (
	ExtractorRole = "You maintain the long-term memory of a conversation."

	ExtractionInstructions = `Update the rolling summary with the new turns and list durable facts about the user.
- Keep the summary under 300 words and written in the third person
- Facts need a dotted key such as user.name, tone or preference.food
- memory_type is one of fact, preference, context, relationship
- confidence is between 0 and 1
- Omit facts that are speculative or only relevant to a single turn`

	ExtractionJSONStructure = `Respond with JSON only:
{
  "summary": "updated summary",
  "facts": [
    {"key": "user.name", "value": "Ana", "memory_type": "fact", "confidence": 0.9}
  ]
}`
)

// Semantic merge prompt pieces.
const (
	MergerRole = "You reconcile two diverging branches of one conversation."

	MergeInstructions = `The SOURCE branch is being merged into the TARGET branch.
- Write one summary that covers both branches without repeating shared history
- For each memory key present on either side, decide the value the merged branch should hold
- When both branches changed a key, prefer the more recent or more specific value and explain it in notes
- Do not invent facts that appear on neither side`

	MergeJSONStructure = `Respond with JSON only:
{
  "summary": "merged summary",
  "facts": [
    {"key": "tone", "value": "casual", "memory_type": "preference", "confidence": 0.8}
  ],
  "notes": [
    {"kind": "memory", "key": "tone", "source_value": "casual", "target_value": "formal", "resolution": "source is newer"}
  ]
}`
)
