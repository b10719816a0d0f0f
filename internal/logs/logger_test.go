package logs

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"strings"
	"testing"

	"github.com/reusee/dscope"
)

func TestLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	dscope.New(new(Module)).Fork(
		func() Writer {
			return buf
		},
	).Call(func(
		logger Logger,
	) {
		ctx := context.WithValue(context.Background(), SpanKey, Span("foo"))
		logger.InfoContext(ctx, "test", "hello", "world!")
		if !isService() && !strings.Contains(buf.String(), "logs.span=foo") {
			t.Fatalf("got %s", buf.String())
		}
		logger.With("k", "v").InfoContext(ctx, "with")
		if !isService() && !strings.Contains(buf.String(), "k=v logs.span=foo") {
			t.Fatalf("got %s", buf.String())
		}
	})
}

func TestSetLevel(t *testing.T) {
	defer Level.Set(slog.LevelInfo)
	if err := SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	if Level.Level() != slog.LevelDebug {
		t.Fatalf("got %v", Level.Level())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewSpan(t *testing.T) {
	defer Level.Set(slog.LevelInfo)
	Level.Set(slog.LevelDebug)
	buf := new(bytes.Buffer)
	dscope.New(new(Module)).Fork(
		func() Writer {
			return buf
		},
	).Call(func(
		newSpan NewSpan,
	) {
		if isService() {
			t.Skip("terminal handler disabled")
		}
		ctx := context.Background()
		ctx1, span1 := newSpan(ctx, "")
		ctx11, span11 := newSpan(ctx1, "")
		_, span12 := newSpan(ctx11, span1)

		var lines []string
		for _, line := range strings.Split(buf.String(), "\n") {
			if strings.Contains(line, "new span") {
				lines = append(lines, line)
			}
		}
		if len(lines) != 3 {
			t.Fatalf("got %v", lines)
		}
		if !strings.Contains(lines[0], "logs.span="+string(span1)) {
			t.Fatalf("got %v", lines[0])
		}
		if !strings.Contains(lines[1], "parent="+string(span1)) {
			t.Fatalf("got %v", lines[1])
		}
		if !strings.Contains(lines[2], "logs.span="+string(span12)) {
			t.Fatalf("got %v", lines[2])
		}
		if !strings.Contains(lines[2], "creator="+string(span11)) {
			t.Fatalf("got %v", lines[2])
		}
	})
}

func isService() bool {
	p, err := getCgroupPath()
	return err == nil && strings.HasSuffix(path.Dir(p), ".service")
}
