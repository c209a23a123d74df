package opcode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgramRoundTrip(t *testing.T) {
	p := &Program{
		ID:   "p",
		Name: "p",
		Code: []Opcode{
			{Op: OpLabel, Name: "entry"},
			{Op: OpPush, Value: float64(1)},
			{Op: OpComplete, Result: map[string]any{"ok": true}},
		},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	got, err := ParseProgram(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestUnknownOpRejected(t *testing.T) {
	_, err := ParseProgram([]byte(`{"id":"p","name":"p","code":[{"op":"BOGUS"}]}`))
	require.Error(t, err)
}

func TestFieldMismatchRejected(t *testing.T) {
	var o Opcode
	err := json.Unmarshal([]byte(`{"op":"EXEC","cmd":"ls"}`), &o)
	require.Error(t, err)
}

func TestLabelMapDuplicateRejected(t *testing.T) {
	code := []Opcode{{Op: OpLabel, Name: "a"}, {Op: OpLabel, Name: "a"}}
	_, err := BuildLabelMap(code)
	require.Error(t, err)
}

func TestValidateJumpTarget(t *testing.T) {
	code := []Opcode{{Op: OpLabel, Name: "a"}, {Op: OpJump, Target: "missing"}}
	labels, err := BuildLabelMap(code)
	require.NoError(t, err)
	p := &Program{ID: "p", Name: "p", Code: code}
	err = Validate(p, labels, nil)
	require.Error(t, err)
}

func TestExtractFencedJSONWithJSONTag(t *testing.T) {
	content := "```json\n{\"id\":\"p\"}\n```"
	require.Equal(t, `{"id":"p"}`, ExtractFencedJSON(content))
}

func TestExtractFencedJSONBareFence(t *testing.T) {
	content := "```\n{\"id\":\"p\"}\n```"
	require.Equal(t, `{"id":"p"}`, ExtractFencedJSON(content))
}

func TestExtractFencedJSONRaw(t *testing.T) {
	content := `{"id":"p"}`
	require.Equal(t, `{"id":"p"}`, ExtractFencedJSON(content))
}

func TestReadsWritesPages(t *testing.T) {
	op := Opcode{Op: OpInfer, Context: []string{"a", "b"}, StoreTo: "out"}
	require.Equal(t, []string{"a", "b"}, op.ReadsPages())
	require.Equal(t, []string{"out"}, op.WritesPages())
}
