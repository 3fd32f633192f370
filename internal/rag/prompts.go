package rag

import (
	"fmt"
	"strings"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

// DefaultHistoryTurns 拼入提示词的历史消息条数
const DefaultHistoryTurns = 5

// SystemPrompt 文档助手人设
const SystemPrompt = `You are an AI assistant for a development team. You have access to team documentation from the wiki and code from the team's repositories.

Your role:
- Answer questions about services, APIs, and processes accurately
- Provide links to relevant documentation and code when available
- Help developers with onboarding and troubleshooting
- Be concise but thorough
- If you don't know something, say so - don't make up information

Guidelines:
- Always cite sources with URLs when provided
- For code questions, reference specific files and line numbers
- For process questions, reference the documentation
- Use clear, developer-friendly language
- Format code blocks properly when showing examples
`

const noContextText = "No relevant documentation found."

// HistoryMessage 对话历史中的一条消息
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatContext 将检索结果渲染为带编号的上下文
func FormatContext(results []knowledge.RetrievedResult) string {
	if len(results) == 0 {
		return noContextText
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "[Source %d]\n", i+1)
		fmt.Fprintf(&b, "Type: %s\n", res.SourceTypeName())
		fmt.Fprintf(&b, "Title: %s\n", res.Title())
		if res.Metadata.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", res.Metadata.URL)
		}
		if res.Metadata.FilePath != "" && res.Metadata.StartLine > 0 {
			fmt.Fprintf(&b, "File: %s (lines %d-%d)\n", res.Metadata.FilePath, res.Metadata.StartLine, res.Metadata.EndLine)
		}
		fmt.Fprintf(&b, "Content:\n%s\n\n", res.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildUserPrompt 无历史时的用户提示词
func BuildUserPrompt(query, contextText string) string {
	return fmt.Sprintf(`Based on the following context from our documentation and codebase:

%s

Question: %s

Provide a helpful answer and include relevant links from the sources above.`, contextText, query)
}

// BuildChatPrompt 带历史的用户提示词，只保留最近 turns 条消息
func BuildChatPrompt(query, contextText string, history []HistoryMessage, turns int) string {
	if len(history) == 0 {
		return BuildUserPrompt(query, contextText)
	}
	if turns <= 0 {
		turns = DefaultHistoryTurns
	}
	if len(history) > turns {
		history = history[len(history)-turns:]
	}

	lines := make([]string, len(history))
	for i, msg := range history {
		lines[i] = fmt.Sprintf("%s: %s", msg.Role, msg.Content)
	}

	return fmt.Sprintf(`Previous conversation:
%s

Current context from documentation:
%s

Current question: %s

Provide a helpful answer based on the conversation history and documentation above.`, strings.Join(lines, "\n"), contextText, query)
}
