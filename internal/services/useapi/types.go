package useapi

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Channel names, one per rate-limited service.
const (
	ChannelMidjourney = "midjourney"
	ChannelFaceSwap   = "faceswap"
	ChannelPika       = "pika"
)

// ChannelForVerb maps a notification verb to the channel that produced it.
func ChannelForVerb(verb string) (string, bool) {
	switch v := strings.ToLower(strings.TrimSpace(verb)); {
	case v == "imagine", v == "describe", v == "blend", v == "button":
		return ChannelMidjourney, true
	case strings.HasPrefix(v, "faceswap"):
		return ChannelFaceSwap, true
	case strings.HasPrefix(v, "pika"):
		return ChannelPika, true
	default:
		return "", false
	}
}

// Text decodes a JSON string, or the raw JSON of any other value, as a string.
// The API reports some error fields as objects.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}
	var s string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

// Attachment is a retrievable asset attached to a job.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Job is the job document returned by submissions and delivered to the webhook.
type Job struct {
	JobID         string          `json:"jobid"`
	Verb          string          `json:"verb"`
	Status        string          `json:"status"`
	Content       string          `json:"content,omitempty"`
	Button        string          `json:"button,omitempty"`
	Buttons       []string        `json:"buttons,omitempty"`
	ReplyRef      string          `json:"replyRef,omitempty"`
	Attachments   []Attachment    `json:"attachments,omitempty"`
	Error         Text            `json:"error,omitempty"`
	ErrorDetails  Text            `json:"errorDetails,omitempty"`
	Code          int             `json:"code,omitempty"`
	ExecutingJobs json.RawMessage `json:"executingJobs,omitempty"`
}

// Executing reports whether the reply carries the "jobs currently executing"
// signal that accompanies a capacity-level 429.
func (j Job) Executing() bool {
	raw := bytes.TrimSpace(j.ExecutingJobs)
	switch {
	case len(raw) == 0, string(raw) == "null", string(raw) == "false", string(raw) == "0":
		return false
	case raw[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return true
		}
		return len(items) > 0
	case raw[0] == '"':
		return string(raw) != `""`
	default:
		return true
	}
}

// FirstAttachmentURL returns the URL of the first attachment, if any.
func (j Job) FirstAttachmentURL() string {
	for _, a := range j.Attachments {
		if u := strings.TrimSpace(a.URL); u != "" {
			return u
		}
	}
	return ""
}
