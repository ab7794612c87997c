package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/crossdisc/internal/chat"
	"github.com/kalambet/crossdisc/internal/graph"
	"github.com/kalambet/crossdisc/internal/stream"
)

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph [concept]",
	Short: "Show the knowledge graph for a concept, or list built concepts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		gs := graph.NewStore(a.gw)
		if len(args) == 0 {
			return runConcepts(cmd.Context(), gs, cmd.OutOrStdout())
		}
		return runGraph(cmd.Context(), gs, cmd.OutOrStdout(), args[0])
	},
}

func runConcepts(ctx context.Context, gs *graph.Store, w io.Writer) error {
	names, err := gs.AvailableConcepts(ctx)
	if err != nil {
		return fmt.Errorf("listing concepts: %w", err)
	}
	return render(w, names, func(w io.Writer) {
		if len(names) == 0 {
			fmt.Fprintln(w, "No graphs built yet.")
			return
		}
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	})
}

func runGraph(ctx context.Context, gs *graph.Store, w io.Writer, concept string) error {
	v, err := gs.Fetch(ctx, concept)
	if err != nil {
		return err
	}

	type graphOut struct {
		Concept    string       `json:"concept" yaml:"concept"`
		TotalNodes int          `json:"total_nodes" yaml:"total_nodes"`
		TotalEdges int          `json:"total_edges" yaml:"total_edges"`
		Groups     []string     `json:"groups" yaml:"groups"`
		Nodes      []graph.Node `json:"nodes" yaml:"nodes"`
		Edges      []graph.Edge `json:"edges" yaml:"edges"`
	}
	out := graphOut{v.Concept, v.TotalNodes, v.TotalEdges, v.Groups, v.Nodes, v.Edges}

	return render(w, out, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %d nodes, %d edges\n", bold(v.Concept), v.TotalNodes, v.TotalEdges)
		for _, g := range v.Groups {
			var labels []string
			for _, n := range v.Nodes {
				if n.Group == g {
					labels = append(labels, n.Label)
				}
			}
			fmt.Fprintf(w, "\n%s\n  %s\n", cyan(g), strings.Join(labels, ", "))
		}
		if len(v.Edges) > 0 {
			fmt.Fprintln(w)
		}
		for _, e := range v.Edges {
			fmt.Fprintf(w, "  %s —%s→ %s\n", e.Source, e.Relation, e.Target)
		}
	})
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the knowledge engine a question",
	Long: `Ask the knowledge engine a question. The answer is streamed sentence by
sentence.

Examples:
  crossdisc ask --concept 熵 "熵为什么总是增加？"
  crossdisc ask --concept 熵 --node 信息论 "它和热力学有什么联系？"
  crossdisc ask --concept 熵 --edge 热力学,信息论,类比 ""`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concept, _ := cmd.Flags().GetString("concept")
		node, _ := cmd.Flags().GetString("node")
		edge, _ := cmd.Flags().GetString("edge")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conv := newConversation(a, cmd.OutOrStdout())
		conv.SetConcept(concept)
		return runAsk(cmd.Context(), conv, cmd.OutOrStdout(), strings.Join(args, " "), node, edge)
	},
}

func init() {
	askCmd.Flags().String("concept", "", "concept the question is about")
	askCmd.Flags().String("node", "", "graph node to ask about")
	askCmd.Flags().String("edge", "", "graph edge to ask about, as source,target[,relation]")
}

func newConversation(a *app, w io.Writer) *chat.Conversation {
	conv := chat.New(a.gw, stream.New(a.cfg.Stream.BaseDelay, a.cfg.Stream.Jitter))
	if a.history != nil {
		conv.SetRecorder(a.history)
	}
	conv.OnFragment(func(_ int64, fragment string) {
		fmt.Fprint(w, fragment)
	})
	return conv
}

func parseEdge(s string) (graph.Edge, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return graph.Edge{}, fmt.Errorf("invalid edge %q (want source,target[,relation])", s)
	}
	e := graph.Edge{Source: strings.TrimSpace(parts[0]), Target: strings.TrimSpace(parts[1])}
	if len(parts) == 3 {
		e.Relation = strings.TrimSpace(parts[2])
	}
	return e, nil
}

func runAsk(ctx context.Context, conv *chat.Conversation, w io.Writer, question, node, edge string) error {
	var err error
	switch {
	case edge != "":
		e, perr := parseEdge(edge)
		if perr != nil {
			return perr
		}
		_, err = conv.AskAboutEdge(ctx, e, strings.TrimSpace(question))
	case node != "":
		_, err = conv.AskAboutNode(ctx, graph.Node{ID: node, Label: node}, strings.TrimSpace(question))
	default:
		_, err = conv.SendMessage(ctx, question)
	}
	fmt.Fprintln(w)
	return err
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [concept]",
	Short: "Interactive conversation with the knowledge engine",
	Long: `Interactive conversation with the knowledge engine.

Commands:
  /concept <name>       switch concept and load its graph
  /node <id>            ask about a graph node
  /edge <src> <dst>     ask about the relation between two nodes
  /context              drop node and edge context
  /clear                clear the conversation
  /quit                 exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		r := &repl{
			conv:  newConversation(a, cmd.OutOrStdout()),
			graph: graph.NewStore(a.gw),
			out:   cmd.OutOrStdout(),
		}
		if len(args) == 1 {
			r.setConcept(cmd.Context(), args[0])
		}
		return r.run(cmd.Context(), cmd.InOrStdin())
	},
}

type repl struct {
	conv  *chat.Conversation
	graph *graph.Store
	out   io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, chat.Greeting)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, bold("> "))
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if done := r.handle(ctx, line); done {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one input line and reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		r.conv.SendMessage(ctx, line)
		fmt.Fprintln(r.out)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/clear":
		r.conv.Clear()
		printSuccess("Conversation cleared")
	case "/context":
		r.conv.ClearContext()
		r.graph.ClearSelection()
	case "/concept":
		if arg == "" {
			printWarning("usage: /concept <name>")
			return false
		}
		r.setConcept(ctx, arg)
	case "/node":
		n, ok := r.graph.SelectNode(arg)
		if !ok {
			n = graph.Node{ID: arg, Label: arg}
		}
		r.conv.AskAboutNode(ctx, n, "")
		fmt.Fprintln(r.out)
		for _, e := range r.graph.Neighbors(n.ID) {
			fmt.Fprintf(r.out, "  %s\n", cyan(fmt.Sprintf("%s —%s→ %s", e.Source, e.Relation, e.Target)))
		}
	case "/edge":
		fields := strings.Fields(arg)
		if len(fields) != 2 {
			printWarning("usage: /edge <source> <target>")
			return false
		}
		e, ok := r.graph.SelectEdge(fields[0], fields[1])
		if !ok {
			e = graph.Edge{Source: fields[0], Target: fields[1]}
		}
		r.conv.AskAboutEdge(ctx, e, "")
		fmt.Fprintln(r.out)
	default:
		printWarning("unknown command %s", cmd)
	}
	return false
}

func (r *repl) setConcept(ctx context.Context, concept string) {
	r.conv.SetConcept(concept)
	r.conv.ClearContext()
	v, err := r.graph.Fetch(ctx, concept)
	if err != nil {
		printWarning("no graph for %s: %v", concept, err)
		return
	}
	printStatus("Concept", "%s (%d nodes, %d edges)", concept, v.TotalNodes, v.TotalEdges)
}
