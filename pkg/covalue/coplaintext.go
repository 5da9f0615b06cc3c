package covalue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relves/colog/pkg/types"
)

// PlainText is a snapshot of a CoPlainText: a list of characters.
type PlainText struct {
	list  *List
	chars []string
}

// AsPlainText derives the current text.
func (c *Core) AsPlainText() (*PlainText, error) {
	if c.header.Type != types.TypeCoPlainText {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, c.id, c.header.Type)
	}
	l := &List{core: c, idx: buildListIndex(c.ValidEntries())}
	t := &PlainText{list: l, chars: make([]string, 0, l.Len())}
	for _, raw := range l.Items() {
		var ch string
		_ = json.Unmarshal(raw, &ch)
		t.chars = append(t.chars, ch)
	}
	return t, nil
}

func (t *PlainText) ID() types.CoID { return t.list.core.id }

func (t *PlainText) String() string { return strings.Join(t.chars, "") }

// Len is the number of characters.
func (t *PlainText) Len() int { return len(t.chars) }

// Insert adds text so that it starts at position pos.
func (t *PlainText) Insert(pos int, text string, privacy types.Privacy) error {
	if pos < 0 || pos > len(t.chars) {
		return fmt.Errorf("%w: %d", ErrIndex, pos)
	}
	if text == "" {
		return nil
	}
	chars := make([]any, 0, len(text))
	for _, r := range text {
		chars = append(chars, string(r))
	}
	return t.list.InsertAfter(pos-1, privacy, chars...)
}

// Append adds text at the end.
func (t *PlainText) Append(text string, privacy types.Privacy) error {
	return t.Insert(len(t.chars), text, privacy)
}

// DeleteRange removes the characters in [from, to).
func (t *PlainText) DeleteRange(from, to int, privacy types.Privacy) error {
	return t.list.Delete(from, to, privacy)
}
