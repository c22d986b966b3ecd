// Package messenger renders and delivers direct messages.
package messenger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// PreviewLength is the number of characters of the comment quoted in a
// message when the template does not place the comment itself.
const PreviewLength = 50

// MaxButtons is the most buttons a message can carry.
const MaxButtons = 3

// Template placeholders.
const (
	PlaceholderUsername = "{username}"
	PlaceholderComment  = "{comment}"
)

// Button is a link button.
type Button struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Message is a rendered direct message.
type Message struct {
	RecipientID string   `json:"recipient_id"`
	CommentID   string   `json:"comment_id"`
	Text        string   `json:"text"`
	Buttons     []Button `json:"buttons,omitempty"`
}

// Sender delivers one message. Implementations make a single attempt and
// return *SendError on failure.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Author is what Render needs to know about the comment.
type Author struct {
	UserID    string
	Username  string
	CommentID string
	Text      string
}

// Render fills a template for a comment. {comment} is replaced by the
// preview; when the template has no {comment} the preview is appended. Buttons beyond
// MaxButtons, or with an empty title or URL, are dropped.
func Render(template string, a Author, buttons []Button) *Message {
	text := strings.ReplaceAll(template, PlaceholderUsername, a.Username)
	if strings.Contains(text, PlaceholderComment) {
		text = strings.ReplaceAll(text, PlaceholderComment, Preview(a.Text))
	} else {
		text = fmt.Sprintf("%s\n\nOriginal comment: \"%s\"", strings.TrimRight(text, "\n"), Preview(a.Text))
	}

	var kept []Button
	for _, b := range buttons {
		if b.Title == "" || b.URL == "" {
			continue
		}
		if len(kept) == MaxButtons {
			break
		}
		kept = append(kept, b)
	}

	return &Message{
		RecipientID: a.UserID,
		CommentID:   a.CommentID,
		Text:        text,
		Buttons:     kept,
	}
}

// Preview returns the first PreviewLength characters of text, with "..."
// appended when it was cut.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength]) + "..."
}
