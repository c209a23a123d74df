package opcode

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractFencedJSON recovers a program or opcode array from raw LLM output.
// It walks the content as markdown, preferring the first fenced code block
// tagged "json", falling back to the first fenced block of any language,
// and finally treating the whole payload as raw JSON. This mirrors the
// orchestrator's fence-tolerant parsing contract (spec.md §4.I/§6) while
// using goldmark's block parser instead of manual string splitting, so
// nested or multiple fences are handled the way a markdown renderer sees them.
func ExtractFencedJSON(content string) string {
	source := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var jsonBlock, anyBlock string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(source))
		}
		block := strings.TrimSpace(buf.String())
		if anyBlock == "" {
			anyBlock = block
		}
		if jsonBlock == "" && fcb.Language(source) != nil {
			lang := strings.ToLower(string(fcb.Language(source)))
			if lang == "json" {
				jsonBlock = block
			}
		}
		return ast.WalkContinue, nil
	})

	if jsonBlock != "" {
		return jsonBlock
	}
	if anyBlock != "" {
		return anyBlock
	}
	return strings.TrimSpace(content)
}
