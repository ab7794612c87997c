// Package stream delivers a complete answer as a paced sequence of
// sentence fragments.
package stream

import (
	"bufio"
	"context"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Chunker paces fragments of an answer. Each fragment is preceded by a
// delay of BaseDelay plus a random share of Jitter.
type Chunker struct {
	BaseDelay time.Duration
	Jitter    time.Duration

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Chunker. Negative durations are treated as zero.
func New(baseDelay, jitter time.Duration) *Chunker {
	return &Chunker{
		BaseDelay: max(baseDelay, 0),
		Jitter:    max(jitter, 0),
		rand:      rand.Float64,
		sleep:     sleepContext,
	}
}

// Stream yields the fragments of answer in order, each after its delay.
// If ctx ends during a delay, Stream yields ctx.Err() once and stops.
// Every call starts a fresh split of answer.
func (c *Chunker) Stream(ctx context.Context, answer string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for frag := range Fragments(answer) {
			if err := c.sleep(ctx, c.delay()); err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (c *Chunker) delay() time.Duration {
	if c.Jitter == 0 {
		return c.BaseDelay
	}
	return c.BaseDelay + time.Duration(c.rand()*float64(c.Jitter))
}

// Fragments lazily splits answer immediately after each 。！？ or newline.
// Fragments that are empty or only whitespace are skipped; the rest are
// returned untrimmed.
func Fragments(answer string) iter.Seq[string] {
	return func(yield func(string) bool) {
		sc := bufio.NewScanner(strings.NewReader(answer))
		sc.Buffer(make([]byte, 0, 4096), max(len(answer)+1, bufio.MaxScanTokenSize))
		sc.Split(scanSentences)
		for sc.Scan() {
			frag := sc.Text()
			if strings.TrimSpace(frag) == "" {
				continue
			}
			if !yield(frag) {
				return
			}
		}
	}
}

// Split returns all fragments of answer.
func Split(answer string) []string {
	return slices.Collect(Fragments(answer))
}

func terminal(r rune) bool {
	switch r {
	case '。', '！', '？', '\n':
		return true
	}
	return false
}

// scanSentences is a bufio.SplitFunc that ends a token after a full-width
// terminal mark or a newline. ASCII punctuation never ends a token.
func scanSentences(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); {
		if !atEOF && !utf8.FullRune(data[i:]) {
			return 0, nil, nil
		}
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if terminal(r) {
			return i, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
