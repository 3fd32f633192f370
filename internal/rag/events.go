package rag

import "github.com/aihub/rag-assistant/internal/knowledge"

// EventType 流式查询事件类型
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent 流式查询事件；complete 事件的 Answer 等于之前所有 chunk 的拼接
type StreamEvent struct {
	Type        EventType          `json:"type"`
	Content     string             `json:"content,omitempty"`
	Answer      string             `json:"answer,omitempty"`
	Sources     []knowledge.Source `json:"sources,omitempty"`
	ContextUsed int                `json:"context_used,omitempty"`
	Message     string             `json:"message,omitempty"`
}

func chunkEvent(content string) StreamEvent {
	return StreamEvent{Type: EventChunk, Content: content}
}

func completeEvent(answer string, sources []knowledge.Source, contextUsed int) StreamEvent {
	return StreamEvent{Type: EventComplete, Answer: answer, Sources: sources, ContextUsed: contextUsed}
}

func errorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}
