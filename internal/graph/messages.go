package graph

import (
	"context"
	"fmt"
)

// MaxButtons is the button template limit.
const MaxButtons = 3

// Recipient addresses a message either to a user id or, as a private reply,
// to the comment that triggered it.
type Recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

// URLButton is a web_url button in a button template.
type URLButton struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type templatePayload struct {
	TemplateType string      `json:"template_type"`
	Text         string      `json:"text"`
	Buttons      []URLButton `json:"buttons"`
}

type attachment struct {
	Type    string          `json:"type"`
	Payload templatePayload `json:"payload"`
}

type messageBody struct {
	Text       string      `json:"text,omitempty"`
	Attachment *attachment `json:"attachment,omitempty"`
}

type sendRequest struct {
	Recipient Recipient   `json:"recipient"`
	Message   messageBody `json:"message"`
}

// SendResponse is the Graph API response to a sent message.
type SendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendMessage sends one message. With buttons it is sent as a button
// template, otherwise as plain text.
func (c *Client) SendMessage(ctx context.Context, to Recipient, text string, buttons []URLButton) (*SendResponse, error) {
	if to.ID == "" && to.CommentID == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if len(buttons) > MaxButtons {
		buttons = buttons[:MaxButtons]
	}

	req := sendRequest{Recipient: to}
	if len(buttons) == 0 {
		req.Message.Text = text
	} else {
		for i := range buttons {
			if buttons[i].Type == "" {
				buttons[i].Type = "web_url"
			}
		}
		req.Message.Attachment = &attachment{
			Type: "template",
			Payload: templatePayload{
				TemplateType: "button",
				Text:         text,
				Buttons:      buttons,
			},
		}
	}

	sender := c.pageID
	if sender == "" {
		sender = "me"
	}

	var resp SendResponse
	if err := c.post(ctx, sender+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
