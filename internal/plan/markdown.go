package plan

import "strings"

// ToMarkdown renders the plan back into the document grammar. Output is
// deterministic and omitted optional fields produce no line, so
// Parse(ToMarkdown(p)) recovers every recognized field of p.
func ToMarkdown(p *Plan) string {
	var b strings.Builder
	b.WriteString("# " + p.Title + "\n")
	if p.Description != "" {
		b.WriteString("\n" + p.Description + "\n")
	}
	if p.DefinitionOfDone != "" {
		b.WriteString("\n## Definition of Done\n\n" + p.DefinitionOfDone + "\n")
	}
	for _, t := range p.Tasks {
		b.WriteString("\n### " + t.Key + ": " + t.Title + "\n\n")
		writeField(&b, "Goal", t.Goal)
		writeField(&b, "Type", t.Type)
		writeField(&b, "Context", t.Context)
		writeField(&b, "Timebox", t.Timebox)
		writeField(&b, "Risk", t.Risk)
		writeField(&b, "Dependencies", strings.Join(t.Dependencies, ", "))
		writeField(&b, "Expected Files", strings.Join(t.ExpectedFiles, ", "))
		writeBullets(&b, "Subtasks", t.Subtasks)
		writeBullets(&b, "Gates", t.Gates)
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(label + ": " + value + "\n")
}

func writeBullets(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n#### " + label + "\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}
