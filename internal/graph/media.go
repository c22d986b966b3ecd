package graph

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	mediaFields   = "id,caption,timestamp,comments.limit(100){id,text,timestamp,username,from{id,username}}"
	commentFields = "id,text,timestamp,username,from{id,username},media{id}"
)

// Timestamp parses the Graph API's "2006-01-02T15:04:05-0700" layout.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil || s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid graph timestamp %q", s)
}

// User is a comment author.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Comment is a comment on a media object.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Username  string    `json:"username"`
	Timestamp Timestamp `json:"timestamp"`
	From      *User     `json:"from,omitempty"`
	Media     *struct {
		ID string `json:"id"`
	} `json:"media,omitempty"`
}

// AuthorID returns the commenter's id when the API exposed it.
func (c Comment) AuthorID() string {
	if c.From != nil {
		return c.From.ID
	}
	return ""
}

// AuthorName returns the commenter's username.
func (c Comment) AuthorName() string {
	if c.From != nil && c.From.Username != "" {
		return c.From.Username
	}
	return c.Username
}

// Media is a post with its first page of comments.
type Media struct {
	ID        string    `json:"id"`
	Caption   string    `json:"caption"`
	Timestamp Timestamp `json:"timestamp"`
	Comments  struct {
		Data []Comment `json:"data"`
	} `json:"comments"`
}

type mediaPage struct {
	Data   []Media `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// ListMedia lists the business account's media with comments, following
// paging links for at most maxPages pages.
func (c *Client) ListMedia(ctx context.Context, maxPages int) ([]Media, error) {
	if c.businessID == "" {
		return nil, fmt.Errorf("IG_BUSINESS_ID is required to list media")
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	params := url.Values{}
	params.Set("fields", mediaFields)
	next := c.endpoint(c.businessID + "/media")

	var all []Media
	for page := 0; page < maxPages && next != ""; page++ {
		var p mediaPage
		if err := c.get(ctx, next, params, &p); err != nil {
			return all, fmt.Errorf("list media page %d: %w", page+1, err)
		}
		all = append(all, p.Data...)

		// Paging links already carry every query parameter.
		next = p.Paging.Next
		params = nil
	}

	return all, nil
}

// GetComment fetches a single comment.
func (c *Client) GetComment(ctx context.Context, commentID string) (*Comment, error) {
	params := url.Values{}
	params.Set("fields", commentFields)

	var cm Comment
	if err := c.get(ctx, c.endpoint(url.PathEscape(commentID)), params, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}
