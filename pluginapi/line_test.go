package pluginapi

import (
	"testing"
	"time"
)

func TestLineBuilderBuild(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	line, err := NewLine("cpu").
		Tag("host", "web-01").
		Tag("region", "eu-west").
		FloatField("usage", 42.5).
		IntField("cores", 8).
		BoolField("throttled", false).
		StringField("state", "ok").
		TimeNs(ts.UnixNano()).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `cpu,host=web-01,region=eu-west usage=42.5,cores=8i,throttled=false,state="ok" 1740830400000000000`
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}

func TestLineBuilderEscaping(t *testing.T) {
	line, err := NewLine("my measure").
		Tag("path", "a=b,c d").
		StringField("note", `say "hi" \ bye`).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `my\ measure,path=a\=b\,c\ d note="say \"hi\" \\ bye"`
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}

func TestLineBuilderDropsEmptyTagValues(t *testing.T) {
	line, err := NewLine("cpu").
		Tag("host", "").
		IntField("n", 1).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if line != "cpu n=1i" {
		t.Fatalf("line = %q", line)
	}
}

func TestLineBuilderRequiresFields(t *testing.T) {
	if _, err := NewLine("cpu").Tag("host", "a").Build(); err == nil {
		t.Fatal("expected error for line with no fields")
	}
}

func TestLineBuilderDynamicField(t *testing.T) {
	line, err := NewLine("m").
		Field("a", int64(3)).
		Field("b", 1.5).
		Field("c", true).
		Field("d", "x").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `m a=3i,b=1.5,c=true,d="x"`
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}
