// Package plan parses, validates and serializes the textual work plan
// format. The markdown grammar is the external wire contract: the
// serializer is a deterministic inverse of the parser for every recognized
// field, and unrecognized lines are ignored on the way in.
package plan

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Plan is the in-memory form of one plan document.
type Plan struct {
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	DefinitionOfDone string    `json:"definition_of_done,omitempty"`
	Tasks            []TaskDef `json:"tasks"`
}

// TaskDef is one `### key: title` section. Timebox and Risk hold the raw
// document text; Validate checks their shape.
type TaskDef struct {
	Key           string   `json:"key"`
	Title         string   `json:"title"`
	Goal          string   `json:"goal,omitempty"`
	Type          string   `json:"type,omitempty"`
	Context       string   `json:"context,omitempty"`
	Timebox       string   `json:"timebox,omitempty"`
	Risk          string   `json:"risk,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ExpectedFiles []string `json:"expected_files,omitempty"`
	Subtasks      []string `json:"subtasks,omitempty"`
	Gates         []string `json:"gates,omitempty"`
}

var (
	titleRe   = regexp.MustCompile(`^#\s+(.+)$`)
	sectionRe = regexp.MustCompile(`^##\s+(.+)$`)
	taskRe    = regexp.MustCompile(`^###\s+([^:#][^:]*):\s*(.+)$`)
	sublistRe = regexp.MustCompile(`^####\s+(.+)$`)
	bulletRe  = regexp.MustCompile(`^[-*]\s+(.+)$`)
	fieldRe   = regexp.MustCompile(`^(?i)(goal|type|context|timebox|risk|dependencies|expected files):\s*(.*)$`)
)

// Parse reads a plan document. It returns an error when the document has no
// leading `# Title` line or no task sections; everything else is lenient.
func Parse(text string) (*Plan, error) {
	p := &Plan{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type section int
	const (
		preamble section = iota
		description
		definitionOfDone
		otherSection
		inTask
	)
	state := preamble
	var cur *TaskDef
	var descLines, dodLines []string
	// bullet list currently being filled inside a task, nil when none
	var bullets *[]string

	flushTask := func() {
		if cur != nil {
			p.Tasks = append(p.Tasks, *cur)
			cur = nil
		}
		bullets = nil
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		trimmed := strings.TrimSpace(line)

		// Heading dispatch is checked most-specific first: #### before
		// ### before ## before #.
		if m := sublistRe.FindStringSubmatch(trimmed); m != nil && state == inTask {
			switch strings.ToLower(strings.TrimSpace(m[1])) {
			case "subtasks":
				bullets = &cur.Subtasks
			case "gates":
				bullets = &cur.Gates
			default:
				bullets = nil
			}
			continue
		}
		if m := taskRe.FindStringSubmatch(trimmed); m != nil {
			flushTask()
			cur = &TaskDef{
				Key:   strings.TrimSpace(m[1]),
				Title: strings.TrimSpace(m[2]),
			}
			state = inTask
			continue
		}
		if m := sectionRe.FindStringSubmatch(trimmed); m != nil {
			flushTask()
			if strings.EqualFold(strings.TrimSpace(m[1]), "definition of done") {
				state = definitionOfDone
			} else {
				state = otherSection
			}
			continue
		}
		if m := titleRe.FindStringSubmatch(trimmed); m != nil {
			if p.Title == "" && state == preamble {
				p.Title = strings.TrimSpace(m[1])
				state = description
				continue
			}
			// additional top-level headings are ignored
			continue
		}

		switch state {
		case preamble:
			if trimmed != "" {
				return nil, fmt.Errorf("plan must start with a '# Title' line")
			}
		case description:
			descLines = append(descLines, line)
		case definitionOfDone:
			dodLines = append(dodLines, line)
		case inTask:
			parseTaskLine(cur, trimmed, &bullets)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	flushTask()

	if p.Title == "" {
		return nil, fmt.Errorf("plan must start with a '# Title' line")
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no task sections ('### <key>: <title>')")
	}
	p.Description = strings.TrimSpace(strings.Join(descLines, "\n"))
	p.DefinitionOfDone = strings.TrimSpace(strings.Join(dodLines, "\n"))
	return p, nil
}

func parseTaskLine(t *TaskDef, trimmed string, bullets **[]string) {
	if trimmed == "" {
		return
	}
	if m := bulletRe.FindStringSubmatch(trimmed); m != nil {
		if *bullets != nil {
			**bullets = append(**bullets, strings.TrimSpace(m[1]))
		}
		return
	}
	// a non-bullet line ends any open bullet list
	*bullets = nil
	m := fieldRe.FindStringSubmatch(trimmed)
	if m == nil {
		return // lenient: unrecognized lines are ignored
	}
	value := strings.TrimSpace(m[2])
	switch strings.ToLower(m[1]) {
	case "goal":
		t.Goal = value
	case "type":
		t.Type = value
	case "context":
		t.Context = value
	case "timebox":
		t.Timebox = value
	case "risk":
		t.Risk = value
	case "dependencies":
		t.Dependencies = splitCSV(value)
	case "expected files":
		t.ExpectedFiles = splitCSV(value)
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
