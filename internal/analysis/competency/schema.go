package competency

import "fmt"

// SchemaVersionV1 tags results produced with the v1 prompt/schema pair.
// Prompt and schema version together: a prompt change that alters the output
// contract must bump the version so historical rows stay interpretable.
const SchemaVersionV1 = "v1"

// Score bounds for the v1 rubric.
const (
	ScoreMin = 1
	ScoreMax = 5
)

// CompetenciesV1 are the eight ICF core competencies scored per session, in
// canonical order.
var CompetenciesV1 = []string{
	"Demonstrates Ethical Practice",
	"Embodies a Coaching Mindset",
	"Establishes and Maintains Agreements",
	"Cultivates Trust and Safety",
	"Maintains Presence",
	"Listens Actively",
	"Evokes Awareness",
	"Facilitates Client Growth",
}

const systemPromptV1 = `You are an ICF-certified coaching supervisor assessing a coaching session transcript.

Score the coach on each of the 8 ICF core competencies:
1. Demonstrates Ethical Practice
2. Embodies a Coaching Mindset
3. Establishes and Maintains Agreements
4. Cultivates Trust and Safety
5. Maintains Presence
6. Listens Actively
7. Evokes Awareness
8. Facilitates Client Growth

Respond with a single JSON object and NOTHING else (no markdown fences, no commentary):

{
  "overall_summary": "...",
  "competencies": [
    {
      "name": "Demonstrates Ethical Practice",
      "score": 3,
      "justification": "...",
      "evidence": [{"speaker_role": "coach", "quote": "..."}],
      "recommendation": "..."
    }
  ]
}

Requirements:
- Exactly 8 entries in "competencies", one per competency, using the names above verbatim.
- "score" is an integer from 1 (not demonstrated) to 5 (masterful).
- Every "quote" must be copied VERBATIM from the transcript. Never invent or paraphrase quotes.
- "speaker_role" is "coach" or "client".
- All text fields must be non-empty.`

const repairPromptV1 = "Your previous response was not valid JSON. Output the SAME content again as a single syntactically valid JSON object, with no markdown fences and no text before or after it. Do not change the scores or quotes."

func schemaPrompt(transcript string) string {
	return fmt.Sprintf("Session transcript:\n\n%s", transcript)
}
