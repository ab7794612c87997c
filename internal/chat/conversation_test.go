package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/graph"
	"github.com/kalambet/crossdisc/internal/storage"
	"github.com/kalambet/crossdisc/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeQA struct {
	mu   sync.Mutex
	reqs []gateway.QARequest
	fn   func(ctx context.Context, req gateway.QARequest) (gateway.QAResponse, error)
}

func (f *fakeQA) QA(ctx context.Context, req gateway.QARequest) (gateway.QAResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func answering(answer string) *fakeQA {
	return &fakeQA{fn: func(context.Context, gateway.QARequest) (gateway.QAResponse, error) {
		return gateway.QAResponse{Answer: answer}, nil
	}}
}

type fakeRecorder struct {
	mu        sync.Mutex
	exchanges []storage.Exchange
}

func (r *fakeRecorder) SaveExchange(e storage.Exchange) error {
	r.mu.Lock()
	r.exchanges = append(r.exchanges, e)
	r.mu.Unlock()
	return nil
}

func TestNew_StartsWithGreeting(t *testing.T) {
	c := New(answering(""), stream.New(0, 0))

	want := []Message{{ID: 1, Role: RoleSystem, Content: Greeting}}
	if diff := cmp.Diff(want, c.Messages()); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestSendMessage_StreamsFragmentsInOrder(t *testing.T) {
	qa := answering("熵是无序度。它随时间增加！\n信息熵衡量不确定性？")
	c := New(qa, stream.New(0, 0))
	c.SetConcept("熵")

	var frags []string
	c.OnFragment(func(_ int64, f string) { frags = append(frags, f) })

	reply, err := c.SendMessage(context.Background(), "熵是什么")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if reply.Content != "熵是无序度。它随时间增加！信息熵衡量不确定性？" {
		t.Errorf("reply = %q", reply.Content)
	}
	if len(frags) != 3 {
		t.Errorf("fragments = %q, want 3", frags)
	}

	msgs := c.Messages()
	if len(msgs) != 3 || msgs[1].Role != RoleUser || msgs[1].Content != "熵是什么" || msgs[2].Role != RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}
	if msgs[1].ID >= msgs[2].ID || msgs[0].ID >= msgs[1].ID {
		t.Errorf("ids not increasing: %+v", msgs)
	}
	if c.IsStreaming() {
		t.Error("IsStreaming still set after send")
	}
	if req := qa.reqs[0]; req.SourceNode != "熵" || req.TargetNode != "熵" {
		t.Errorf("qa request = %+v, want concept routing", req)
	}
}

func TestSendMessage_NoContextAnswer(t *testing.T) {
	qa := answering("unused")
	c := New(qa, stream.New(0, 0))

	reply, err := c.SendMessage(context.Background(), "熵是什么")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Content != gateway.NoContextAnswer {
		t.Errorf("reply = %q, want the select-a-concept prompt", reply.Content)
	}
	if len(qa.reqs) != 0 {
		t.Errorf("unexpected QA calls: %+v", qa.reqs)
	}
}

func TestSendMessage_ErrorAppendsSuffix(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(&fakeQA{fn: func(context.Context, gateway.QARequest) (gateway.QAResponse, error) {
		return gateway.QAResponse{}, &gateway.Error{Op: "qa", Message: "connection refused"}
	}}, stream.New(0, 0))
	c.SetRecorder(rec)
	c.SetConcept("熵")

	reply, err := c.SendMessage(context.Background(), "熵是什么")
	if err != nil {
		t.Fatalf("SendMessage returned %v, want error swallowed", err)
	}
	if reply.Content != ErrorSuffix {
		t.Errorf("reply = %q, want %q", reply.Content, ErrorSuffix)
	}
	if c.IsStreaming() {
		t.Error("IsStreaming still set after failure")
	}
	if len(rec.exchanges) != 1 || rec.exchanges[0].Status != "errored" {
		t.Errorf("exchanges = %+v", rec.exchanges)
	}
}

func TestSendMessage_CancelledContextEndsStable(t *testing.T) {
	c := New(answering("第一句。第二句。第三句。"), stream.New(time.Hour, 0))
	c.SetConcept("熵")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	reply, err := c.SendMessage(ctx, "q")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.HasSuffix(reply.Content, ErrorSuffix) {
		t.Errorf("reply = %q, want error suffix", reply.Content)
	}
}

func TestSendMessage_RejectsConcurrentSend(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := New(&fakeQA{fn: func(context.Context, gateway.QARequest) (gateway.QAResponse, error) {
		close(entered)
		<-release
		return gateway.QAResponse{Answer: "好。"}, nil
	}}, stream.New(0, 0))
	c.SetConcept("熵")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.SendMessage(context.Background(), "first")
	}()

	<-entered
	if !c.IsStreaming() {
		t.Error("IsStreaming should be set during a send")
	}
	if _, err := c.SendMessage(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent send error = %v, want ErrBusy", err)
	}
	close(release)
	<-done

	msgs := c.Messages()
	if len(msgs) != 3 || msgs[2].Content != "好。" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(c *Conversation)
		wantSource string
		wantTarget string
	}{
		{
			name: "edge",
			setup: func(c *Conversation) {
				c.SetConcept("熵")
				c.SetContextEdge(graph.Edge{Source: "thermo", Target: "info"})
			},
			wantSource: "thermo", wantTarget: "info",
		},
		{
			name: "node with concept",
			setup: func(c *Conversation) {
				c.SetConcept("熵")
				c.SetContextNode(graph.Node{ID: "thermo"})
			},
			wantSource: "thermo", wantTarget: "熵",
		},
		{
			name: "node replaces edge",
			setup: func(c *Conversation) {
				c.SetConcept("熵")
				c.SetContextEdge(graph.Edge{Source: "a", Target: "b"})
				c.SetContextNode(graph.Node{ID: "thermo"})
			},
			wantSource: "thermo", wantTarget: "熵",
		},
		{
			name:       "concept only",
			setup:      func(c *Conversation) { c.SetConcept("熵") },
			wantSource: "熵", wantTarget: "熵",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qa := answering("好。")
			c := New(qa, stream.New(0, 0))
			tt.setup(c)

			if _, err := c.SendMessage(context.Background(), "q"); err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if len(qa.reqs) != 1 {
				t.Fatalf("QA calls = %d, want 1", len(qa.reqs))
			}
			req := qa.reqs[0]
			if req.SourceNode != tt.wantSource || req.TargetNode != tt.wantTarget {
				t.Errorf("route = %s -> %s, want %s -> %s", req.SourceNode, req.TargetNode, tt.wantSource, tt.wantTarget)
			}
		})
	}
}

func TestAskAboutEdge_DefaultQuestion(t *testing.T) {
	qa := answering("好。")
	rec := &fakeRecorder{}
	c := New(qa, stream.New(0, 0))
	c.SetRecorder(rec)
	c.SetConcept("熵")

	if _, err := c.AskAboutEdge(context.Background(), graph.Edge{Source: "热力学", Target: "信息论", Relation: "类比"}, ""); err != nil {
		t.Fatalf("AskAboutEdge: %v", err)
	}
	q := qa.reqs[0].Question
	for _, want := range []string{"热力学", "信息论", "类比"} {
		if !strings.Contains(q, want) {
			t.Errorf("question %q missing %q", q, want)
		}
	}
	if len(rec.exchanges) != 1 || rec.exchanges[0].Source != "热力学" || rec.exchanges[0].Status != "completed" {
		t.Errorf("exchanges = %+v", rec.exchanges)
	}
}

func TestAskAboutNode_DefaultQuestionUsesLabel(t *testing.T) {
	qa := answering("好。")
	c := New(qa, stream.New(0, 0))
	c.SetConcept("熵")

	c.AskAboutNode(context.Background(), graph.Node{ID: "n1", Label: "玻尔兹曼熵"}, "")
	if q := qa.reqs[0].Question; !strings.Contains(q, "玻尔兹曼熵") {
		t.Errorf("question %q does not name the node", q)
	}

	c.AskAboutNode(context.Background(), graph.Node{ID: "n1"}, "自定义问题")
	if q := qa.reqs[1].Question; q != "自定义问题" {
		t.Errorf("question = %q, want the supplied one", q)
	}
}

func TestClear(t *testing.T) {
	c := New(answering("好。"), stream.New(0, 0))
	c.SetConcept("熵")
	c.SendMessage(context.Background(), "q")

	c.Clear()
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Content != Greeting {
		t.Errorf("after Clear: %+v", msgs)
	}
}
