package messenger

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	author := Author{UserID: "u1", Username: "alice", CommentID: "c1", Text: "job please"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "both placeholders",
			template: "Hi {username}, you said: {comment}",
			want:     "Hi alice, you said: job please",
		},
		{
			name:     "no comment placeholder appends preview",
			template: "Hi {username}! Here is the link.",
			want:     "Hi alice! Here is the link.\n\nOriginal comment: \"job please\"",
		},
		{
			name:     "trailing newlines trimmed before preview",
			template: "Thanks\n\n",
			want:     "Thanks\n\nOriginal comment: \"job please\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Render(tt.template, author, nil)
			if msg.Text != tt.want {
				t.Errorf("Text = %q, want %q", msg.Text, tt.want)
			}
			if msg.RecipientID != "u1" || msg.CommentID != "c1" {
				t.Errorf("addressing = %s/%s", msg.RecipientID, msg.CommentID)
			}
		})
	}
}

func TestRender_TruncatesLongComment(t *testing.T) {
	text := strings.Repeat("a", 60)
	preview := strings.Repeat("a", 50) + "..."

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"appended", "Thanks", "Thanks\n\nOriginal comment: \"" + preview + "\""},
		{"placeholder", "You said: {comment}", "You said: " + preview},
		{"placeholder twice", "{comment} / {comment}", preview + " / " + preview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Render(tt.template, Author{Text: text}, nil)
			if msg.Text != tt.want {
				t.Errorf("Text = %q, want %q", msg.Text, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "hello", "hello"},
		{"exactly 50", strings.Repeat("x", 50), strings.Repeat("x", 50)},
		{"51", strings.Repeat("x", 51), strings.Repeat("x", 50) + "..."},
		{"multibyte counted as characters", strings.Repeat("é", 55), strings.Repeat("é", 50) + "..."},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.in); got != tt.want {
				t.Errorf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_Buttons(t *testing.T) {
	buttons := []Button{
		{Title: "Apply", URL: "https://jobs"},
		{Title: "", URL: "https://skip"},
		{Title: "WhatsApp", URL: "https://wa"},
		{Title: "YouTube", URL: "https://yt"},
		{Title: "Extra", URL: "https://extra"},
	}

	msg := Render("x {comment}", Author{}, buttons)
	if len(msg.Buttons) != MaxButtons {
		t.Fatalf("buttons = %d, want %d", len(msg.Buttons), MaxButtons)
	}
	if msg.Buttons[0].Title != "Apply" || msg.Buttons[2].Title != "YouTube" {
		t.Errorf("buttons = %+v", msg.Buttons)
	}
}
