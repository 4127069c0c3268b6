package telegram

import (
	"testing"

	"github.com/jxucoder/efimeral/pkg/channel"
)

func TestEscapeMarkdownRoundTrip(t *testing.T) {
	in := "Box lease-1 is up at http://boxes.test/boxes/abc/ (efimeral-boxes:alpine)."
	escaped := escapeMarkdown(in)
	if escaped == in {
		t.Fatal("escapeMarkdown did not escape anything")
	}
	if got := stripMarkdown(escaped); got != in {
		t.Fatalf("stripMarkdown(escapeMarkdown(x)) = %q, want %q", got, in)
	}
}

func TestFormatReply(t *testing.T) {
	tests := []struct {
		name  string
		cmd   channel.Command
		reply channel.Reply
		want  string
	}{
		{"success", channel.Command{Verb: channel.VerbStop}, channel.Reply{Text: "Box a stopped."}, "✅ Box a stopped\\."},
		{"failure", channel.Command{Verb: channel.VerbStop}, channel.Reply{Text: "no such box", Failed: true}, "❌ no such box"},
		{"list", channel.Command{Verb: channel.VerbList}, channel.Reply{Text: "No boxes running."}, "```\nNo boxes running\\.\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatReply(tt.cmd, tt.reply); got != tt.want {
				t.Errorf("formatReply = %q, want %q", got, tt.want)
			}
		})
	}
}
