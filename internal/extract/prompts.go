package extract

import (
	"fmt"
	"strings"

	"github.com/sells-group/loregraph/internal/model"
)

const responseFormat = `Respond with a single JSON object and nothing else:
{"extractions": [{"entity_type": "...", "name": "...", "text": "<exact span copied from the chapter>", "char_start": 0, "char_end": 0, "alignment_status": "exact|fuzzy", "attributes": {}}],
 "entities": [{"name": "...", "entity_type": "...", "aliases": ["..."], "significance": "..."}]%s}
"text" must be copied verbatim from the chapter. Offsets count characters, not bytes.`

var passInstructions = map[model.Pass]string{
	model.PassCharacters: `You extract characters from a chapter of serialized fiction.
Record every named character, the titles or nicknames used for them, and their role in the chapter.
Entity types: character, creature, faction.`,
	model.PassSystems: `You extract progression-system elements from a chapter of serialized fiction.
Record skills, classes, titles, levels, stats and system notifications, including values shown in notification boxes.
Entity types: skill, class, title, level, stat, item.`,
	model.PassEvents: `You extract plot events from a chapter of serialized fiction.
Record battles, deaths, betrayals, discoveries, arrivals and other turning points, with the participants as attributes.
Entity types: event.`,
	model.PassLore: `You extract world-building from a chapter of serialized fiction.
Record places, organizations, history, religions, legends and magic rules.
Entity types: location, organization, lore, deity, artifact.`,
}

// systemPrompt is the cacheable per-pass instruction block.
func systemPrompt(pass model.Pass, wantSummary bool) string {
	summary := ""
	if wantSummary {
		summary = `,
 "summary": "<two or three sentence summary of the chapter>"`
	}
	return passInstructions[pass] + "\n\n" + fmt.Sprintf(responseFormat, summary)
}

// contextPrompt renders what the reader already knows before this chapter.
func contextPrompt(req model.PassRequest) string {
	var b strings.Builder
	if req.RegistryContext != "" {
		b.WriteString("Known entities (canonical name, type, significance):\n")
		b.WriteString(req.RegistryContext)
		b.WriteString("\nReuse these canonical names when the chapter refers to a known entity.\n")
	}
	if len(req.PriorSummaries) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Previous chapters:\n")
		for _, s := range req.PriorSummaries {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// userPrompt carries the chapter itself.
func userPrompt(req model.PassRequest) string {
	ch := req.Chapter
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d", ch.Number)
	if ch.Title != "" {
		fmt.Fprintf(&b, ": %s", ch.Title)
	}
	b.WriteString("\n")
	if ch.SeriesName != "" {
		fmt.Fprintf(&b, "Series: %s\n", ch.SeriesName)
	}
	if ch.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", ch.Genre)
	}
	if req.Pass == model.PassSystems {
		if hints := strings.TrimSpace(string(ch.Hints())); hints != "" {
			fmt.Fprintf(&b, "\nPre-extracted system hints (JSON):\n%s\n", hints)
		}
	}
	if len(req.BlueBoxes) > 0 {
		b.WriteString("\nNotification boxes in this chapter:\n")
		for i, g := range req.BlueBoxes {
			fmt.Fprintf(&b, "[box %d, %s, paragraphs %d-%d]\n%s\n", i+1, g.BoxType, g.StartIndex, g.EndIndex, g.Text)
		}
	}
	b.WriteString("\n<chapter>\n")
	b.WriteString(ch.Text)
	b.WriteString("\n</chapter>")
	return b.String()
}
