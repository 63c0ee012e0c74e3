package changelog

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/odvcencio/grove/pkg/revlog"
)

func testManifest(t *testing.T) revlog.Node {
	t.Helper()
	return revlog.HashText([]byte("manifest"), revlog.NullNode, revlog.NullNode)
}

func TestEncodeRecordCanonicalLayout(t *testing.T) {
	m := testManifest(t)
	rec := &Record{
		Manifest:    m,
		User:        "alice",
		Time:        0,
		TZOffset:    0,
		Files:       []string{"b", "a"},
		Description: "hello",
	}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	want := m.Hex() + "\nalice\n0 0\na\nb\n\nhello"
	if string(text) != want {
		t.Errorf("encoded record = %q, want %q", text, want)
	}

	r, err := ParseRecord(text)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	gotM, err := r.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if gotM != m {
		t.Errorf("Manifest = %s, want %s", gotM.Hex(), m.Hex())
	}
	if got := r.User(); got != "alice" {
		t.Errorf("User = %q, want alice", got)
	}
	sec, tz, err := r.Date()
	if err != nil {
		t.Fatalf("Date: %v", err)
	}
	if sec != 0 || tz != 0 {
		t.Errorf("Date = %d %d, want 0 0", sec, tz)
	}
	if got := r.Files(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Files = %v, want [a b]", got)
	}
	if got := r.Description(); got != "hello" {
		t.Errorf("Description = %q, want hello", got)
	}
}

func TestEncodeRecordValidation(t *testing.T) {
	m := testManifest(t)
	cases := []struct {
		name string
		rec  *Record
	}{
		{"empty user", &Record{Manifest: m, User: "", Description: "d"}},
		{"newline in user", &Record{Manifest: m, User: "a\nb", Description: "d"}},
		{"reserved branch tip", &Record{Manifest: m, User: "a", Extra: map[string]string{"branch": "tip"}}},
		{"reserved branch null", &Record{Manifest: m, User: "a", Extra: map[string]string{"branch": "null"}}},
		{"reserved branch dot", &Record{Manifest: m, User: "a", Extra: map[string]string{"branch": "."}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := EncodeRecord(tc.rec); !errors.Is(err, revlog.ErrValidation) {
				t.Errorf("EncodeRecord: got %v, want ErrValidation", err)
			}
		})
	}
}

func TestDefaultBranchOmitted(t *testing.T) {
	m := testManifest(t)
	rec := &Record{
		Manifest:    m,
		User:        "alice",
		Extra:       map[string]string{"branch": "default"},
		Description: "d",
	}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if strings.Contains(string(text), "branch") {
		t.Errorf("default branch leaked into encoded text %q", text)
	}

	r, err := ParseRecord(text)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	branch, err := r.Branch()
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch != DefaultBranch {
		t.Errorf("Branch = %q, want %q", branch, DefaultBranch)
	}
	extra, err := r.Extra()
	if err != nil {
		t.Fatalf("Extra: %v", err)
	}
	if !reflect.DeepEqual(extra, map[string]string{"branch": "default"}) {
		t.Errorf("Extra = %v, want the implicit default branch", extra)
	}
}

func TestNamedBranchRoundTrip(t *testing.T) {
	m := testManifest(t)
	rec := &Record{
		Manifest:    m,
		User:        "alice",
		Extra:       map[string]string{"branch": "dev", "close": "1"},
		Description: "d",
	}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	r, err := ParseRecord(text)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	branch, err := r.Branch()
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch != "dev" {
		t.Errorf("Branch = %q, want dev", branch)
	}
	closed, err := r.Closed()
	if err != nil {
		t.Fatalf("Closed: %v", err)
	}
	if !closed {
		t.Errorf("Closed = false, want true")
	}
}

func TestExtraEscapeRoundTrip(t *testing.T) {
	m := testManifest(t)
	extra := map[string]string{
		"foo":      "bar",
		"baz":      "\x002",
		"newline":  "a\nb",
		"carriage": "a\rb",
		"slash":    `a\b`,
	}
	rec := &Record{Manifest: m, User: "alice", Extra: extra, Description: "d"}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	r, err := ParseRecord(text)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	got, err := r.Extra()
	if err != nil {
		t.Fatalf("Extra: %v", err)
	}
	if !reflect.DeepEqual(got, extra) {
		t.Errorf("Extra = %#v, want %#v", got, extra)
	}
}

func TestReadFiles(t *testing.T) {
	m := testManifest(t)

	rec := &Record{Manifest: m, User: "a", Files: []string{"z", "m", "a"}, Description: "body\n\nwith blank"}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if got, want := ReadFiles(text), []string{"a", "m", "z"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ReadFiles = %v, want %v", got, want)
	}

	empty := &Record{Manifest: m, User: "a", Description: "no files here"}
	text, err = EncodeRecord(empty)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if got := ReadFiles(text); got == nil || len(got) != 0 {
		t.Errorf("ReadFiles on empty file list = %#v, want []", got)
	}
}

func TestParseRecordRejectsMalformed(t *testing.T) {
	for _, text := range []string{"", "one line", "a\nb", "a\nb\nc\nno separator"} {
		if _, err := ParseRecord([]byte(text)); !errors.Is(err, revlog.ErrIntegrity) {
			t.Errorf("ParseRecord(%q): got %v, want ErrIntegrity", text, err)
		}
	}
}

func TestDescriptionWithBlankLines(t *testing.T) {
	m := testManifest(t)
	desc := "summary\n\nbody paragraph\n\nmore"
	rec := &Record{Manifest: m, User: "a", Files: []string{"f"}, Description: desc}
	text, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	r, err := ParseRecord(text)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if got := r.Description(); got != desc {
		t.Errorf("Description = %q, want %q", got, desc)
	}
	if got := r.Files(); !reflect.DeepEqual(got, []string{"f"}) {
		t.Errorf("Files = %v, want [f]", got)
	}
}
