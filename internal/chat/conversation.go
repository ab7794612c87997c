// Package chat keeps a conversation with the knowledge engine and streams
// answers into it fragment by fragment.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/graph"
	"github.com/kalambet/crossdisc/internal/storage"
	"github.com/kalambet/crossdisc/internal/stream"
)

// Greeting is the system message every conversation starts with.
const Greeting = "我是您的跨学科知识助手。请输入概念或点击图谱节点开始探索。"

// ErrorSuffix is appended to an answer that could not be completed.
const ErrorSuffix = "\n[error: cannot reach knowledge engine]"

// ErrBusy is returned by SendMessage while another message is streaming.
var ErrBusy = errors.New("chat: a message is already streaming")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID      int64
	Role    Role
	Content string
}

// Recorder persists finished exchanges.
type Recorder interface {
	SaveExchange(e storage.Exchange) error
}

// Conversation is the message history plus the graph context questions
// are asked in. At most one of node and edge context is set.
type Conversation struct {
	qa      gateway.QAer
	chunker *stream.Chunker

	send sync.Mutex

	mu        sync.RWMutex
	messages  []Message
	nextID    int64
	concept   string
	node      *graph.Node
	edge      *graph.Edge
	streaming bool

	recorder   Recorder
	onFragment func(msgID int64, fragment string)
	logger     *slog.Logger
}

// New creates a conversation that answers through qa and paces answers
// with chunker.
func New(qa gateway.QAer, chunker *stream.Chunker) *Conversation {
	c := &Conversation{qa: qa, chunker: chunker, logger: slog.Default()}
	c.reset()
	return c
}

// SetRecorder installs an exchange recorder. Call before first use.
func (c *Conversation) SetRecorder(r Recorder) {
	c.recorder = r
}

// OnFragment registers fn to be called after each fragment is appended.
// Call before first use.
func (c *Conversation) OnFragment(fn func(msgID int64, fragment string)) {
	c.onFragment = fn
}

func (c *Conversation) reset() {
	c.messages = []Message{{ID: 1, Role: RoleSystem, Content: Greeting}}
	c.nextID = 2
}

// Clear restores the conversation to its greeting. Context is kept.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// IsStreaming reports whether an answer is being streamed.
func (c *Conversation) IsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaming
}

// SetConcept sets the concept questions are asked about.
func (c *Conversation) SetConcept(concept string) {
	c.mu.Lock()
	c.concept = concept
	c.mu.Unlock()
}

// SetContextNode focuses questions on n and clears any edge context.
func (c *Conversation) SetContextNode(n graph.Node) {
	c.mu.Lock()
	c.node = &n
	c.edge = nil
	c.mu.Unlock()
}

// SetContextEdge focuses questions on e and clears any node context.
func (c *Conversation) SetContextEdge(e graph.Edge) {
	c.mu.Lock()
	c.edge = &e
	c.node = nil
	c.mu.Unlock()
}

// ClearContext drops node and edge context.
func (c *Conversation) ClearContext() {
	c.mu.Lock()
	c.node = nil
	c.edge = nil
	c.mu.Unlock()
}

// queryLocked resolves the answer route from the current context.
func (c *Conversation) queryLocked(text string) gateway.AnswerQuery {
	q := gateway.AnswerQuery{Question: text, Concept: c.concept}
	switch {
	case c.edge != nil:
		q.Source, q.Target = c.edge.Source, c.edge.Target
	case c.node != nil:
		q.Source = c.node.ID
		q.Target = c.concept
		if q.Target == "" {
			q.Target = c.node.ID
		}
	}
	return q
}

// SendMessage appends text as a user message and streams the answer into
// a new assistant message, which it returns. Answer failures never
// propagate: the partial answer is kept and ErrorSuffix appended. The
// only error is ErrBusy.
func (c *Conversation) SendMessage(ctx context.Context, text string) (Message, error) {
	if !c.send.TryLock() {
		return Message{}, ErrBusy
	}
	defer c.send.Unlock()

	c.mu.Lock()
	c.messages = append(c.messages, Message{ID: c.nextID, Role: RoleUser, Content: text})
	c.nextID++
	replyID := c.nextID
	c.nextID++
	c.messages = append(c.messages, Message{ID: replyID, Role: RoleAssistant})
	c.streaming = true
	q := c.queryLocked(text)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
	}()

	err := c.stream(ctx, replyID, q)
	status := "completed"
	if err != nil {
		status = "errored"
		c.logger.Warn("answer failed", "concept", q.Concept, "error", err)
		c.appendTo(replyID, ErrorSuffix)
	}

	reply := c.message(replyID)
	c.recordExchange(q, reply.Content, status)
	return reply, nil
}

func (c *Conversation) stream(ctx context.Context, replyID int64, q gateway.AnswerQuery) error {
	answer, err := gateway.Answer(ctx, c.qa, q)
	if err != nil {
		return err
	}
	for frag, err := range c.chunker.Stream(ctx, answer) {
		if err != nil {
			return fmt.Errorf("streaming answer: %w", err)
		}
		c.appendTo(replyID, frag)
	}
	return nil
}

// appendTo grows the content of message id. A message removed by Clear
// is skipped.
func (c *Conversation) appendTo(id int64, s string) {
	c.mu.Lock()
	found := false
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			c.messages[i].Content += s
			found = true
			break
		}
	}
	c.mu.Unlock()

	if found && c.onFragment != nil {
		c.onFragment(id, s)
	}
}

func (c *Conversation) message(id int64) Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.ID == id {
			return m
		}
	}
	return Message{ID: id, Role: RoleAssistant}
}

func (c *Conversation) recordExchange(q gateway.AnswerQuery, answer, status string) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.SaveExchange(storage.Exchange{
		Concept:  q.Concept,
		Source:   q.Source,
		Target:   q.Target,
		Question: q.Question,
		Answer:   answer,
		Status:   status,
	})
	if err != nil {
		c.logger.Warn("recording exchange", "error", err)
	}
}

// AskAboutNode sets n as context and asks question, or a default
// question about n when question is empty.
func (c *Conversation) AskAboutNode(ctx context.Context, n graph.Node, question string) (Message, error) {
	c.SetContextNode(n)
	if question == "" {
		name := n.Label
		if name == "" {
			name = n.ID
		}
		question = fmt.Sprintf("请介绍一下「%s」，以及它与其他学科的联系。", name)
	}
	return c.SendMessage(ctx, question)
}

// AskAboutEdge sets e as context and asks question, or a default question
// about the relation when question is empty.
func (c *Conversation) AskAboutEdge(ctx context.Context, e graph.Edge, question string) (Message, error) {
	c.SetContextEdge(e)
	if question == "" {
		if e.Relation != "" {
			question = fmt.Sprintf("「%s」与「%s」之间的「%s」关系是什么？", e.Source, e.Target, e.Relation)
		} else {
			question = fmt.Sprintf("「%s」与「%s」之间有什么关系？", e.Source, e.Target)
		}
	}
	return c.SendMessage(ctx, question)
}
