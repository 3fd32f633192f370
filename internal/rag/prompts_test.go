package rag

import (
	"fmt"
	"strings"
	"testing"

	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/stretchr/testify/assert"
)

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "No relevant documentation found.", FormatContext(nil))

	text := FormatContext([]knowledge.RetrievedResult{
		{Content: "Deploy with make release.", Metadata: knowledge.ChunkMetadata{Title: "Runbook", URL: "https://wiki/runbook", SourceType: knowledge.SourceWiki}},
		{Content: "func main() {}", Metadata: knowledge.ChunkMetadata{SourceType: knowledge.SourceCode, FilePath: "cmd/main.go", StartLine: 1, EndLine: 3}},
	})

	assert.Contains(t, text, "[Source 1]\nType: wiki\nTitle: Runbook\nURL: https://wiki/runbook\nContent:\nDeploy with make release.")
	assert.Contains(t, text, "[Source 2]\nType: code\nTitle: Untitled\nFile: cmd/main.go (lines 1-3)\nContent:\nfunc main() {}")
	assert.NotContains(t, text, "[Source 2]\nType: code\nTitle: Untitled\nURL:")
}

func TestBuildChatPrompt_WithoutHistory(t *testing.T) {
	prompt := BuildChatPrompt("How do I deploy?", "CTX", nil, 5)
	assert.Equal(t, BuildUserPrompt("How do I deploy?", "CTX"), prompt)
	assert.Contains(t, prompt, "Question: How do I deploy?")
}

func TestBuildChatPrompt_KeepsLastFiveMessages(t *testing.T) {
	var history []HistoryMessage
	for i := 0; i < 7; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, HistoryMessage{Role: role, Content: fmt.Sprintf("message %d", i)})
	}

	prompt := BuildChatPrompt("next?", "CTX", history, 5)
	assert.True(t, strings.HasPrefix(prompt, "Previous conversation:\nuser: message 2\n"))
	assert.NotContains(t, prompt, "message 1")
	assert.Contains(t, prompt, "user: message 6")
	assert.Contains(t, prompt, "Current context from documentation:\nCTX")
	assert.Contains(t, prompt, "Current question: next?")
}
