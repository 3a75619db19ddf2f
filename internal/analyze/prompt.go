package analyze

import (
	"fmt"
	"strings"

	"github.com/hurttlocker/quill/internal/journal"
)

// systemPrompt fixes the output schema the analyzer validates against.
const systemPrompt = `You analyze a single private journal entry and report how the writer was doing.

RULES:
1. Base every score on what the entry actually says - never invent events
2. Each event must carry a source_quote that is EXACT text copied from the entry
3. Use confidence 0.0-1.0 for how clearly the entry supports your reading
4. Return ONLY the JSON object, no additional text

RANGES:
- happiness: 0 (miserable) to 100 (elated)
- valence: -1 (negative) to 1 (positive)
- arousal: 0 (calm, drained) to 1 (intense, energized)
- emotions: each 0 to 1
- event sentiment: -1 to 1; event salience: 0 (trivial) to 1 (life-changing)

JSON SCHEMA:
{
  "happiness": 62,
  "valence": 0.3,
  "arousal": 0.4,
  "emotions": {"joy": 0.5, "sadness": 0.2, "anger": 0.1, "anxiety": 0.3, "gratitude": 0.4},
  "events": [
    {
      "title": "short name of the event",
      "description": "one sentence",
      "date": "YYYY-MM-DD if the entry names one, else empty",
      "sentiment": 0.6,
      "salience": 0.5,
      "category": "one word such as work, family, health, friends, money, hobby",
      "source_quote": "exact text from the entry"
    }
  ],
  "themes": ["recurring topics, lowercase"],
  "stressors": ["things weighing on the writer, lowercase"],
  "confidence": 0.8
}`

func userPrompt(e journal.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Journal entry dated %s:\n\n---\n", e.Date.UTC().Format(journal.DateLayout))
	sb.WriteString(e.Text)
	sb.WriteString("\n---\n\nReturn JSON matching the schema.")
	return sb.String()
}

// rawAnalysis is the provider's answer before validation. Pointers tell a
// missing field apart from a zero.
type rawAnalysis struct {
	Happiness  *float64     `json:"happiness"`
	Valence    *float64     `json:"valence"`
	Arousal    *float64     `json:"arousal"`
	Emotions   *rawEmotions `json:"emotions"`
	Events     []rawEvent   `json:"events"`
	Themes     []string     `json:"themes"`
	Stressors  []string     `json:"stressors"`
	Confidence *float64     `json:"confidence"`
}

type rawEmotions struct {
	Joy       *float64 `json:"joy"`
	Sadness   *float64 `json:"sadness"`
	Anger     *float64 `json:"anger"`
	Anxiety   *float64 `json:"anxiety"`
	Gratitude *float64 `json:"gratitude"`
}

type rawEvent struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Sentiment   *float64 `json:"sentiment"`
	Salience    *float64 `json:"salience"`
	Category    string   `json:"category"`
	SourceQuote string   `json:"source_quote"`
}
