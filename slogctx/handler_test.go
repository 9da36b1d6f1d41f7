package slogctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testCtxKey struct{}

func TestHandler(t *testing.T) {
	RegisterAttributeExtractor("test", func(ctx context.Context) []slog.Attr {
		if v, ok := ctx.Value(testCtxKey{}).(string); ok {
			return []slog.Attr{slog.String("extracted", v)}
		}
		return nil
	})
	t.Cleanup(func() { DeregisterAttributeExtractor("test") })

	for _, tc := range []struct {
		name string
		ctx  context.Context
		args []any
		want map[string]any
	}{
		{
			name: "no context attrs",
			ctx:  context.Background(),
			want: map[string]any{},
		},
		{
			name: "context attrs",
			ctx:  WithAttrs(context.Background(), slog.String("user", "alice")),
			want: map[string]any{"user": "alice"},
		},
		{
			name: "record attr wins",
			ctx:  WithAttrs(context.Background(), slog.String("user", "alice")),
			args: []any{"user", "bob"},
			want: map[string]any{"user": "bob"},
		},
		{
			name: "extracted attrs",
			ctx:  context.WithValue(context.Background(), testCtxKey{}, "v"),
			want: map[string]any{"extracted": "v"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))
			l.InfoContext(tc.ctx, "msg", tc.args...)

			got := map[string]any{}
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			for _, k := range []string{"time", "level", "msg"} {
				delete(got, k)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("attrs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWithHandle(t *testing.T) {
	ctx, h := WithHandle(context.Background())
	child := WithAttrs(ctx, slog.String("a", "1"))
	_ = WithAttrs(child, slog.String("b", "2"))

	var keys []string
	for _, a := range h.Attrs() {
		keys = append(keys, a.Key)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Errorf("handle attrs mismatch (-want +got):\n%s", diff)
	}

	_, h2 := WithHandle(child)
	if h2 != h {
		t.Error("WithHandle should reuse the existing handle")
	}
}

func TestWithAttrsReplacesKey(t *testing.T) {
	attrStrings := func(attrs []slog.Attr) []string {
		var out []string
		for _, a := range attrs {
			out = append(out, a.String())
		}
		return out
	}

	parent := WithAttrs(context.Background(), slog.String("remote_addr", "10.0.0.1"), slog.String(KeyUser, "alice"))
	child := WithUser(parent, "bob")

	if diff := cmp.Diff([]string{"remote_addr=10.0.0.1", "user=bob"}, attrStrings(AttrsFromContext(child))); diff != "" {
		t.Errorf("child attrs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"remote_addr=10.0.0.1", "user=alice"}, attrStrings(AttrsFromContext(parent))); diff != "" {
		t.Errorf("parent attrs changed (-want +got):\n%s", diff)
	}

	ctx, h := WithHandle(context.Background())
	WithUser(ctx, "alice")
	WithUser(ctx, "bob")
	if diff := cmp.Diff([]string{"user=bob"}, attrStrings(h.Attrs())); diff != "" {
		t.Errorf("handle attrs (-want +got):\n%s", diff)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatal(err)
	}
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn should be logged")
	}

	if _, err := NewLogger(&buf, "xml", "info"); err == nil {
		t.Error("want error for unknown format")
	}
	if _, err := NewLogger(&buf, "text", "loud"); err == nil {
		t.Error("want error for unknown level")
	}
}
