package changelog

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/odvcencio/grove/pkg/revlog"
)

// Revision is a lazily-decoded commit record. The three header newline
// offsets and the files/description separator are located once at parse
// time; each field is derived from those offsets on first access, so a
// caller needing only the branch name never pays to parse the description.
type Revision struct {
	text []byte

	nl1, nl2, nl3 int // offsets of the three header newlines
	blank         int // offset of the "\n\n" separating files from description

	dateParsed bool
	time       int64
	tzOffset   int
	rawExtra   string

	extra map[string]string
	files []string
}

// ParseRecord locates the structural offsets of an encoded commit text.
func ParseRecord(text []byte) (*Revision, error) {
	r := &Revision{text: text}

	pos := 0
	offs := [3]int{}
	for i := 0; i < 3; i++ {
		nl := bytes.IndexByte(text[pos:], '\n')
		if nl < 0 {
			return nil, &revlog.IntegrityError{Name: "changelog", Msg: fmt.Sprintf("malformed record: missing header line %d", i+1)}
		}
		offs[i] = pos + nl
		pos = offs[i] + 1
	}
	r.nl1, r.nl2, r.nl3 = offs[0], offs[1], offs[2]

	blank := bytes.Index(text[r.nl3:], []byte("\n\n"))
	if blank < 0 {
		return nil, &revlog.IntegrityError{Name: "changelog", Msg: "malformed record: missing files/description separator"}
	}
	r.blank = r.nl3 + blank
	return r, nil
}

// Manifest returns the manifest node named on the first line.
func (r *Revision) Manifest() (revlog.Node, error) {
	n, err := revlog.NodeFromHex(string(r.text[:r.nl1]))
	if err != nil {
		return revlog.NullNode, &revlog.IntegrityError{Name: "changelog", Msg: fmt.Sprintf("malformed manifest line: %v", err)}
	}
	return n, nil
}

// User returns the committing user.
func (r *Revision) User() string {
	return string(r.text[r.nl1+1 : r.nl2])
}

func (r *Revision) parseDate() error {
	if r.dateParsed {
		return nil
	}
	t, tz, rawExtra, err := parseDateLine(string(r.text[r.nl2+1 : r.nl3]))
	if err != nil {
		return &revlog.IntegrityError{Name: "changelog", Msg: err.Error()}
	}
	r.time, r.tzOffset, r.rawExtra = t, tz, rawExtra
	r.dateParsed = true
	return nil
}

// Date returns the commit timestamp and timezone offset.
func (r *Revision) Date() (int64, int, error) {
	if err := r.parseDate(); err != nil {
		return 0, 0, err
	}
	return r.time, r.tzOffset, nil
}

// Extra returns the extra metadata map. Legacy records with no encoded
// extra decode to {"branch": "default"}.
func (r *Revision) Extra() (map[string]string, error) {
	if r.extra != nil {
		return r.extra, nil
	}
	if err := r.parseDate(); err != nil {
		return nil, err
	}
	if r.rawExtra == "" {
		r.extra = map[string]string{"branch": DefaultBranch}
	} else {
		r.extra = decodeExtra(r.rawExtra)
	}
	return r.extra, nil
}

// Branch returns the branch name, defaulting to "default".
func (r *Revision) Branch() (string, error) {
	extra, err := r.Extra()
	if err != nil {
		return "", err
	}
	if b, ok := extra["branch"]; ok && b != "" {
		return b, nil
	}
	return DefaultBranch, nil
}

// Closed reports whether the record closes its branch head.
func (r *Revision) Closed() (bool, error) {
	extra, err := r.Extra()
	if err != nil {
		return false, err
	}
	_, ok := extra["close"]
	return ok, nil
}

// Files returns the sorted file list.
func (r *Revision) Files() []string {
	if r.files != nil {
		return r.files
	}
	if r.blank == r.nl3 {
		r.files = []string{}
	} else {
		r.files = strings.Split(string(r.text[r.nl3+1:r.blank]), "\n")
	}
	return r.files
}

// Description returns the commit message.
func (r *Revision) Description() string {
	return string(r.text[r.blank+2:])
}

// Record fully decodes the revision into a Record.
func (r *Revision) Record() (*Record, error) {
	manifest, err := r.Manifest()
	if err != nil {
		return nil, err
	}
	t, tz, err := r.Date()
	if err != nil {
		return nil, err
	}
	extra, err := r.Extra()
	if err != nil {
		return nil, err
	}
	return &Record{
		Manifest:    manifest,
		User:        r.User(),
		Time:        t,
		TZOffset:    tz,
		Extra:       extra,
		Files:       r.Files(),
		Description: r.Description(),
	}, nil
}
