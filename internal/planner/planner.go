// Package planner converts a task list into an ordered batch plan for the
// implement phase.
//
// Planning is deterministic and side-effect free: the same task list always
// produces the same plan.
package planner

import (
	"fmt"

	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
)

// DefaultFallbackSize is the chunk size used when a task list has no
// section headings.
const DefaultFallbackSize = 15

// Batch is one contiguous group of incomplete tasks executed as a unit.
type Batch struct {
	// Section is the heading text, or a synthetic "Batch N" label when the
	// plan fell back to fixed-size chunking.
	Section string `json:"section"`

	// TaskIDs are the incomplete task IDs in this batch, in source order.
	TaskIDs []string `json:"task_ids"`
}

// Plan splits tasks into ordered batches.
//
// When the task list carries section headings, each section with at least one
// incomplete task becomes exactly one batch, in the sections' original order;
// sections whose tasks are all complete are omitted. Without sections, the
// incomplete tasks are chunked into fixed-size batches of fallbackSize.
//
// Completed tasks never appear in any batch, so re-planning never re-executes
// finished work. A fully completed (or empty) task list yields an empty plan.
func Plan(tasks []tasksource.Task, fallbackSize int) []Batch {
	if fallbackSize < 1 {
		fallbackSize = DefaultFallbackSize
	}

	incomplete := make([]tasksource.Task, 0, len(tasks))
	sectioned := false
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		if t.Section != "" {
			sectioned = true
		}
		incomplete = append(incomplete, t)
	}
	if len(incomplete) == 0 {
		return nil
	}

	if sectioned {
		return planBySection(incomplete)
	}
	return planByChunk(incomplete, fallbackSize)
}

// planBySection groups incomplete tasks by their section heading, preserving
// first-appearance order.
func planBySection(incomplete []tasksource.Task) []Batch {
	var batches []Batch
	index := make(map[string]int)

	for _, t := range incomplete {
		section := t.Section
		if section == "" {
			section = "Tasks"
		}
		i, ok := index[section]
		if !ok {
			i = len(batches)
			index[section] = i
			batches = append(batches, Batch{Section: section})
		}
		batches[i].TaskIDs = append(batches[i].TaskIDs, t.ID)
	}

	return batches
}

// planByChunk splits incomplete tasks into fixed-size batches; the last batch
// may be shorter.
func planByChunk(incomplete []tasksource.Task, size int) []Batch {
	var batches []Batch
	for start := 0; start < len(incomplete); start += size {
		end := start + size
		if end > len(incomplete) {
			end = len(incomplete)
		}
		batch := Batch{Section: fmt.Sprintf("Batch %d", len(batches)+1)}
		for _, t := range incomplete[start:end] {
			batch.TaskIDs = append(batch.TaskIDs, t.ID)
		}
		batches = append(batches, batch)
	}
	return batches
}

// TaskCount returns the total number of tasks across all batches.
func TaskCount(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.TaskIDs)
	}
	return n
}
