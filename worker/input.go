package worker

import (
	"encoding/json"
	"fmt"

	"github.com/masstock/masstock/store"
)

// TaskKind selects how a task produces its image.
type TaskKind string

const (
	// TaskGenerate calls the upstream model.
	TaskGenerate TaskKind = "generate"
	// TaskResize transforms a master image locally, escalating to the model
	// only when the classifier picks regeneration.
	TaskResize TaskKind = "resize"
)

// Task is one unit of fan-out within an execution. BatchIndex is its stable
// identity across job redeliveries.
type Task struct {
	BatchIndex int
	Kind       TaskKind
	Prompt     string

	// generate tasks
	RefPaths []string // storage paths of reference images

	// resize tasks
	MasterPath string
	FormatName string
	TargetW    int
	TargetH    int
}

// Input schemas per workflow type. input_data is stored opaque; the worker
// parses it against the schema selected by the workflow's type.

type nanoBananaInput struct {
	Prompts        []string `json:"prompts"`
	AspectRatio    string   `json:"aspect_ratio"`
	Size           string   `json:"size"`
	ReferencePaths []string `json:"reference_paths"`
}

type standardInput struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Size        string `json:"size"`
}

type smartResizerInput struct {
	MasterPaths []string       `json:"master_paths"`
	Formats     []resizeFormat `json:"formats"`
}

type resizeFormat struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type roomRedesignerInput struct {
	RoomPaths []string `json:"room_paths"`
	Style     string   `json:"style"`
	Prompt    string   `json:"prompt"`
}

// expandTasks turns an execution's input into its ordered task list. The
// task count and ordering are deterministic so redelivered jobs re-derive
// identical batch indexes.
func expandTasks(workflowType string, inputData json.RawMessage) ([]Task, error) {
	switch workflowType {
	case store.TypeNanoBanana:
		var in nanoBananaInput
		if err := json.Unmarshal(inputData, &in); err != nil {
			return nil, fmt.Errorf("parse nano_banana input: %w", err)
		}
		if len(in.Prompts) == 0 {
			return nil, fmt.Errorf("nano_banana input has no prompts")
		}
		tasks := make([]Task, len(in.Prompts))
		for i, prompt := range in.Prompts {
			tasks[i] = Task{
				BatchIndex: i,
				Kind:       TaskGenerate,
				Prompt:     prompt,
				RefPaths:   in.ReferencePaths,
			}
		}
		return tasks, nil

	case store.TypeStandard:
		var in standardInput
		if err := json.Unmarshal(inputData, &in); err != nil {
			return nil, fmt.Errorf("parse standard input: %w", err)
		}
		if in.Prompt == "" {
			return nil, fmt.Errorf("standard input has no prompt")
		}
		return []Task{{BatchIndex: 0, Kind: TaskGenerate, Prompt: in.Prompt}}, nil

	case store.TypeSmartResizer:
		var in smartResizerInput
		if err := json.Unmarshal(inputData, &in); err != nil {
			return nil, fmt.Errorf("parse smart_resizer input: %w", err)
		}
		if len(in.MasterPaths) == 0 || len(in.Formats) == 0 {
			return nil, fmt.Errorf("smart_resizer input needs masters and formats")
		}
		var tasks []Task
		idx := 0
		for _, master := range in.MasterPaths {
			for _, f := range in.Formats {
				if f.Width <= 0 || f.Height <= 0 {
					return nil, fmt.Errorf("format %q has non-positive dimensions", f.Name)
				}
				tasks = append(tasks, Task{
					BatchIndex: idx,
					Kind:       TaskResize,
					MasterPath: master,
					FormatName: f.Name,
					TargetW:    f.Width,
					TargetH:    f.Height,
				})
				idx++
			}
		}
		return tasks, nil

	case store.TypeRoomRedesigner:
		var in roomRedesignerInput
		if err := json.Unmarshal(inputData, &in); err != nil {
			return nil, fmt.Errorf("parse room_redesigner input: %w", err)
		}
		if len(in.RoomPaths) == 0 {
			return nil, fmt.Errorf("room_redesigner input has no room images")
		}
		tasks := make([]Task, len(in.RoomPaths))
		for i, room := range in.RoomPaths {
			tasks[i] = Task{
				BatchIndex: i,
				Kind:       TaskGenerate,
				Prompt:     roomPrompt(in.Style, in.Prompt),
				RefPaths:   []string{room},
			}
		}
		return tasks, nil

	default:
		return nil, fmt.Errorf("unknown workflow type %q", workflowType)
	}
}

// roomPrompt enriches the base redesign instruction with the requested style.
func roomPrompt(style, extra string) string {
	p := "Redesign this room, keeping the architecture, windows and layout intact."
	if style != "" {
		p = fmt.Sprintf("%s Apply a %s interior style.", p, style)
	}
	if extra != "" {
		p = p + " " + extra
	}
	return p
}

// prompts returns the per-task prompt texts for pre-creating batch rows.
func prompts(tasks []Task) []store.BatchSeed {
	seeds := make([]store.BatchSeed, len(tasks))
	for i, t := range tasks {
		label := t.Prompt
		if t.Kind == TaskResize {
			label = fmt.Sprintf("resize %s to %s (%dx%d)", t.MasterPath, t.FormatName, t.TargetW, t.TargetH)
		}
		seeds[i] = store.BatchSeed{BatchIndex: t.BatchIndex, Prompt: label}
	}
	return seeds
}
