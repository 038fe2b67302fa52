package task

import (
	"encoding/json"
	"strings"
)

// CommentKind discriminates the intervention control signal
type CommentKind int

const (
	CommentUnchanged CommentKind = iota
	CommentDelete
	CommentModify
	CommentCustom
)

// Comment is the control signal an intervener leaves on a task.
// Custom carries free text in Text; the other kinds ignore it.
type Comment struct {
	Kind CommentKind
	Text string
}

func Unchanged() Comment { return Comment{Kind: CommentUnchanged} }
func Delete() Comment    { return Comment{Kind: CommentDelete} }
func Modify() Comment    { return Comment{Kind: CommentModify} }

// Custom wraps free-form intervener text
func Custom(text string) Comment { return Comment{Kind: CommentCustom, Text: text} }

// ParseComment maps the wire string to a Comment
func ParseComment(s string) Comment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unchanged":
		return Unchanged()
	case "delete":
		return Delete()
	case "modify":
		return Modify()
	default:
		return Custom(s)
	}
}

// String returns the wire form
func (c Comment) String() string {
	switch c.Kind {
	case CommentDelete:
		return "delete"
	case CommentModify:
		return "modify"
	case CommentCustom:
		return c.Text
	default:
		return "unchanged"
	}
}

// MarshalJSON encodes the comment as its bare wire string
func (c Comment) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a bare wire string
func (c *Comment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseComment(s)
	return nil
}
