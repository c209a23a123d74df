package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llcraft/llcraft/internal/vm/opcode"
)

// SchemaHandler serves GET /v1/schema: the same opcode schema the
// orchestrator sends the LLM as its system prompt.
type SchemaHandler struct {
	schema *opcode.Schema
}

// NewSchemaHandler builds a SchemaHandler around the VM's current schema.
func NewSchemaHandler() *SchemaHandler {
	return &SchemaHandler{schema: opcode.NewSchema()}
}

// Handle returns the schema as JSON by default, or as the rendered
// markdown prompt when called with ?format=prompt.
func (h *SchemaHandler) Handle(c *gin.Context) {
	if c.Query("format") == "prompt" {
		c.String(http.StatusOK, h.schema.ToPrompt())
		return
	}
	c.JSON(http.StatusOK, h.schema)
}
