// Package ingest turns webhook deliveries, polled media and queued events
// into stored comment attempts.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/commentflow/internal/db"
)

var (
	// ErrInvalidPayload marks input that cannot become a comment attempt.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidSignature is returned when X-Hub-Signature-256 does not match.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Time    int64           `json:"time"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value commentValue `json:"value"`
}

type commentValue struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	ParentID string `json:"parent_id"`
	MediaID  string `json:"media_id"`
	Media    *struct {
		ID string `json:"id"`
	} `json:"media"`
	From *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// ParseWebhook extracts comment changes from an Instagram webhook body.
// Changes without a comment id are reported as errors and skipped; the
// returned inputs may still lack author or post details, which the
// Ingestor can fill in.
func ParseWebhook(body []byte) ([]db.CommentInput, []error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	if p.Object != "instagram" {
		return nil, []error{fmt.Errorf("%w: unsupported object %q", ErrInvalidPayload, p.Object)}
	}

	var (
		inputs []db.CommentInput
		errs   []error
	)
	for i, entry := range p.Entry {
		for j, ch := range entry.Changes {
			if ch.Field != "comments" {
				continue
			}
			v := ch.Value
			if v.ID == "" {
				errs = append(errs, fmt.Errorf("%w: entry %d change %d has no comment id", ErrInvalidPayload, i, j))
				continue
			}

			in := db.CommentInput{
				CommentID: v.ID,
				PostID:    v.MediaID,
				Text:      v.Text,
				Source:    db.SourceWebhook,
			}
			if v.Media != nil && v.Media.ID != "" {
				in.PostID = v.Media.ID
			}
			if v.From != nil {
				in.UserID = v.From.ID
				in.Username = v.From.Username
			}
			if entry.Time > 0 {
				t := time.Unix(entry.Time, 0).UTC()
				in.CommentedAt = &t
			}
			inputs = append(inputs, in)
		}
	}
	return inputs, errs
}

// VerifySignature checks an "sha256=<hex>" header against the HMAC of body.
func VerifySignature(body []byte, header, secret string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256 prefix", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value VerifySignature accepts.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// complete reports whether in has everything the dispatch engine needs.
func complete(in db.CommentInput) bool {
	return in.CommentID != "" && in.PostID != "" && (in.UserID != "" || in.Username != "")
}
