package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masstock/masstock/store"
)

func TestExpandTasks(t *testing.T) {
	t.Run("nano_banana yields one task per prompt", func(t *testing.T) {
		tasks, err := expandTasks(store.TypeNanoBanana, json.RawMessage(
			`{"prompts":["a","b","c"],"reference_paths":["reference-images/c/r.png"]}`))
		require.NoError(t, err)
		require.Len(t, tasks, 3)

		assert.Equal(t, 0, tasks[0].BatchIndex)
		assert.Equal(t, 2, tasks[2].BatchIndex)
		assert.Equal(t, TaskGenerate, tasks[0].Kind)
		assert.Equal(t, "b", tasks[1].Prompt)
		assert.Equal(t, []string{"reference-images/c/r.png"}, tasks[1].RefPaths)
	})

	t.Run("nano_banana without prompts is rejected", func(t *testing.T) {
		_, err := expandTasks(store.TypeNanoBanana, json.RawMessage(`{"prompts":[]}`))
		assert.Error(t, err)
	})

	t.Run("standard yields exactly one task", func(t *testing.T) {
		tasks, err := expandTasks(store.TypeStandard, json.RawMessage(`{"prompt":"hero shot"}`))
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "hero shot", tasks[0].Prompt)
	})

	t.Run("smart_resizer yields formats times masters", func(t *testing.T) {
		tasks, err := expandTasks(store.TypeSmartResizer, json.RawMessage(`{
			"master_paths":["m1.png","m2.png"],
			"formats":[{"name":"sq","width":100,"height":100},{"name":"wide","width":200,"height":100},{"name":"tall","width":100,"height":200}]
		}`))
		require.NoError(t, err)
		require.Len(t, tasks, 6)

		// Deterministic ordering: masters outer, formats inner.
		assert.Equal(t, "m1.png", tasks[0].MasterPath)
		assert.Equal(t, "sq", tasks[0].FormatName)
		assert.Equal(t, "m2.png", tasks[3].MasterPath)
		assert.Equal(t, "sq", tasks[3].FormatName)
		for i, task := range tasks {
			assert.Equal(t, i, task.BatchIndex)
			assert.Equal(t, TaskResize, task.Kind)
		}
	})

	t.Run("smart_resizer rejects zero-sized formats", func(t *testing.T) {
		_, err := expandTasks(store.TypeSmartResizer, json.RawMessage(
			`{"master_paths":["m.png"],"formats":[{"name":"bad","width":0,"height":100}]}`))
		assert.Error(t, err)
	})

	t.Run("room_redesigner enriches the prompt with the style", func(t *testing.T) {
		tasks, err := expandTasks(store.TypeRoomRedesigner, json.RawMessage(
			`{"room_paths":["r1.png","r2.png"],"style":"scandinavian","prompt":"Prefer light wood."}`))
		require.NoError(t, err)
		require.Len(t, tasks, 2)

		assert.Contains(t, tasks[0].Prompt, "scandinavian")
		assert.Contains(t, tasks[0].Prompt, "Prefer light wood.")
		assert.Equal(t, []string{"r1.png"}, tasks[0].RefPaths)
		assert.Equal(t, []string{"r2.png"}, tasks[1].RefPaths)
	})

	t.Run("unknown workflow type is rejected", func(t *testing.T) {
		_, err := expandTasks("mystery", json.RawMessage(`{}`))
		assert.Error(t, err)
	})

	t.Run("malformed json is rejected", func(t *testing.T) {
		_, err := expandTasks(store.TypeNanoBanana, json.RawMessage(`{`))
		assert.Error(t, err)
	})
}

func TestPrompts(t *testing.T) {
	seeds := prompts([]Task{
		{BatchIndex: 0, Kind: TaskGenerate, Prompt: "a"},
		{BatchIndex: 1, Kind: TaskResize, MasterPath: "m.png", FormatName: "sq", TargetW: 100, TargetH: 100},
	})
	require.Len(t, seeds, 2)
	assert.Equal(t, "a", seeds[0].Prompt)
	assert.Contains(t, seeds[1].Prompt, "m.png")
	assert.Contains(t, seeds[1].Prompt, "sq")
}
