package irido

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const family = "\U0001F468\u200D\U0001F469\u200D\U0001F467\u200D\U0001F466" // one grapheme cluster

func TestText(t *testing.T) {
	c := Text("Hello world")
	if c.V != 1 {
		t.Errorf("expected V=1, got %d", c.V)
	}
	if c.Text != "Hello world" {
		t.Errorf("expected text 'Hello world', got '%s'", c.Text)
	}
}

func TestParse(t *testing.T) {
	t.Run("plain string", func(t *testing.T) {
		c, err := Parse([]byte(`"hello"`))
		if err != nil {
			t.Fatal(err)
		}
		if c.V != 1 || c.Text != "hello" {
			t.Errorf("unexpected result: %+v", c)
		}
	})

	t.Run("full content", func(t *testing.T) {
		data := []byte(`{"v":1,"text":"Hello @user!","media":[{"type":"image","ref":"abc123"}],
			"reply":{"seq":42,"preview":"Original","from":"user456"},
			"mentions":[{"userId":"user123","username":"user","offset":6,"length":5}]}`)
		c, err := Parse(data)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Media) != 1 || c.Media[0].Type != "image" {
			t.Errorf("unexpected media: %+v", c.Media)
		}
		if c.Reply == nil || c.Reply.Seq != 42 || c.Reply.From != "user456" {
			t.Errorf("unexpected reply: %+v", c.Reply)
		}
		if len(c.Mentions) != 1 || c.MentionText(c.Mentions[0]) != "@user" {
			t.Errorf("unexpected mentions: %+v", c.Mentions)
		}
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"null", "null"},
		{"wrong version", `{"v":2,"text":"hi"}`},
		{"missing version", `{"text":"hi"}`},
		{"not json", `{"v":1,`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if !errors.Is(err, ErrInvalidContent) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidContent", tt.raw, err)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	c, err := NewBuilder().
		Text("Hi " + family + " ").
		Mention("u1", "alice").
		Text(" and ").
		Mention("u2", "bob").
		Text("!").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if c.Text != "Hi "+family+" @alice and @bob!" {
		t.Errorf("text = %q", c.Text)
	}
	if len(c.Mentions) != 2 {
		t.Fatalf("expected 2 mentions, got %d", len(c.Mentions))
	}

	// H, i, space, family, space
	if m := c.Mentions[0]; m.Offset != 5 || m.Length != 6 || m.UserID != "u1" {
		t.Errorf("first mention = %+v", m)
	}
	if m := c.Mentions[1]; m.Offset != 16 || m.Length != 4 {
		t.Errorf("second mention = %+v", m)
	}
	for _, m := range c.Mentions {
		if got := c.MentionText(m); got != "@"+m.Username {
			t.Errorf("MentionText = %q, want %q", got, "@"+m.Username)
		}
	}

	users := c.MentionedUsers()
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("MentionedUsers = %v", users)
	}
}

func TestBuilder_CombiningMarkAfterMention(t *testing.T) {
	c, err := NewBuilder().Mention("u1", "bob").Text("\u0301").Build()
	if err != nil {
		t.Fatal(err)
	}
	m := c.Mentions[0]
	if m.Offset != 0 || m.Length != 4 {
		t.Errorf("mention = %+v, want offset 0 length 4", m)
	}
}

func TestBuilder_Reply(t *testing.T) {
	long := strings.Repeat("a", 80)
	c, err := NewBuilder().Text("yes").ReplyTo(7, "u9", long).Build()
	if err != nil {
		t.Fatal(err)
	}
	if c.Reply.Seq != 7 || c.Reply.From != "u9" {
		t.Errorf("reply = %+v", c.Reply)
	}
	if c.Reply.Preview != strings.Repeat("a", ReplyPreviewLength)+"…" {
		t.Errorf("preview = %q", c.Reply.Preview)
	}
}

func TestBuilder_Empty(t *testing.T) {
	if _, err := NewBuilder().Build(); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content *Content
		wantErr error
	}{
		{"valid text", Text("hello"), nil},
		{"valid media", &Content{V: 1, Media: []Media{{Type: "image"}}}, nil},
		{"nil", nil, ErrInvalidContent},
		{"wrong version", &Content{V: 2, Text: "x"}, ErrInvalidContent},
		{"empty", &Content{V: 1}, ErrEmpty},
		{"too long", Text(strings.Repeat("x", MaxTextLength+1)), ErrTooLong},
		{"emoji count as one", Text(strings.Repeat(family, MaxTextLength)), nil},
		{"bad reply", &Content{V: 1, Text: "x", Reply: &Reply{Seq: 0}}, ErrInvalidContent},
		{"mention past end", &Content{V: 1, Text: "@al", Mentions: []Mention{{UserID: "u", Offset: 0, Length: 4}}}, ErrMentionRange},
		{"mention negative", &Content{V: 1, Text: "@al", Mentions: []Mention{{UserID: "u", Offset: -1, Length: 1}}}, ErrMentionRange},
		{"mention without user", &Content{V: 1, Text: "@al", Mentions: []Mention{{Offset: 0, Length: 3}}}, ErrMentionRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("too many media", func(t *testing.T) {
		c := &Content{V: 1, Media: make([]Media, MaxMedia+1)}
		if err := c.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name     string
		content  *Content
		expected string
	}{
		{"text only", Text("hello world"), "hello world"},
		{"text with image", &Content{V: 1, Text: "Check this out", Media: []Media{{Type: "image", Name: "photo.jpg"}}}, "Check this out [IMAGE 'photo.jpg']"},
		{"media only", &Content{V: 1, Media: []Media{{Type: "video", Name: "clip.mp4"}}}, "[VIDEO 'clip.mp4']"},
		{"unnamed", &Content{V: 1, Media: []Media{{Type: "sticker"}}}, "[STICKER 'attachment']"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.content.PlainText(); got != tt.expected {
				t.Errorf("PlainText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name     string
		content  *Content
		max      int
		expected string
	}{
		{"short text", Text("hello"), 100, "hello"},
		{"long text truncated", Text("hello world this is a long message"), 10, "hello worl…"},
		{"emoji kept whole", Text("Hi " + family + "!"), 5, "Hi " + family + "!"},
		{"media only", &Content{V: 1, Media: []Media{{Type: "file", Name: "a.pdf"}}}, 10, "[FILE 'a.pdf']"},
		{"nil", nil, 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.content.Preview(tt.max); got != tt.expected {
				t.Errorf("Preview() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRaw(t *testing.T) {
	c, err := NewBuilder().Mention("u1", "al").Build()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := c.Raw()
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["v"] != 1.0 || fields["text"] != "@al" {
		t.Errorf("unexpected encoding: %s", raw)
	}
	if _, ok := fields["media"]; ok {
		t.Errorf("empty media should be omitted: %s", raw)
	}
}

func TestGraphemes(t *testing.T) {
	s := "a" + family + "\u00e9"
	g := NewGraphemes(s)
	if g.Length() != 3 {
		t.Fatalf("Length = %d, want 3", g.Length())
	}
	if got := g.Slice(1, 2); got != family {
		t.Errorf("Slice(1,2) = %q", got)
	}
	if got := g.Slice(-5, 99); got != s {
		t.Errorf("clamped Slice = %q", got)
	}
	if got := g.Slice(2, 1); got != "" {
		t.Errorf("reversed Slice = %q", got)
	}

	// Every byte inside the family emoji maps to cluster 1.
	for b := 1; b < 1+len(family); b++ {
		if i := g.GraphemeIndex(b); i != 1 {
			t.Fatalf("GraphemeIndex(%d) = %d, want 1", b, i)
		}
	}
	if i := g.GraphemeIndex(len(s)); i != 3 {
		t.Errorf("GraphemeIndex(end) = %d, want 3", i)
	}
	if off := g.ByteOffset(2); off != 1+len(family) {
		t.Errorf("ByteOffset(2) = %d", off)
	}

	empty := NewGraphemes("")
	if empty.Length() != 0 || empty.GraphemeIndex(3) != 0 || empty.Slice(0, 1) != "" {
		t.Error("empty string should have no clusters")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abc", 3, "…"); got != "abc" {
		t.Errorf("Truncate at limit = %q", got)
	}
	if got := Truncate("abcd", 3, "..."); got != "abc..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := GraphemeLength(family + family); got != 2 {
		t.Errorf("GraphemeLength = %d, want 2", got)
	}
}
