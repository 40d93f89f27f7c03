package tasksource

import (
	"fmt"
	"regexp"
	"strings"
)

// taskLinePattern matches markdown checkbox items: - [ ] or - [x]
var taskLinePattern = regexp.MustCompile(`^[-*]\s*\[([ xX])\]\s*(.+)$`)

// sectionPattern matches markdown headers: ## Section Name
var sectionPattern = regexp.MustCompile(`^##\s+(.+)$`)

// ParseMarkdown parses a tasks.md document into structured tasks.
//
// Tasks are markdown checkboxes grouped under "##" section headers. Task IDs
// are synthesized as "<section>.<ordinal>" so they stay stable as long as the
// document ordering does. Checkboxes appearing before any header are grouped
// under a synthetic "Tasks" section.
func ParseMarkdown(content string) []Task {
	var tasks []Task
	var currentSection string
	sectionTaskCount := make(map[string]int)
	sectionNum := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if matches := sectionPattern.FindStringSubmatch(trimmed); matches != nil {
			currentSection = matches[1]
			sectionNum++
			sectionTaskCount[currentSection] = 0
			continue
		}

		matches := taskLinePattern.FindStringSubmatch(trimmed)
		if matches == nil {
			continue
		}

		if currentSection == "" {
			currentSection = "Tasks"
			if sectionNum == 0 {
				sectionNum = 1
			}
		}
		sectionTaskCount[currentSection]++

		checkbox := matches[1]
		tasks = append(tasks, Task{
			ID:          fmt.Sprintf("%d.%d", sectionNum, sectionTaskCount[currentSection]),
			Section:     currentSection,
			Description: strings.TrimSpace(matches[2]),
			Completed:   checkbox == "x" || checkbox == "X",
		})
	}

	return tasks
}
