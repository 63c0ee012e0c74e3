// Package changelog stores the commit graph: structured commit records
// encoded into an append-only log, with a facade that answers node/rev
// translation and ancestry queries regardless of the physical backend.
package changelog

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/odvcencio/grove/pkg/revlog"
)

// DefaultBranch is the implicit branch name: it is omitted from encoded
// extra and reconstructed on decode.
const DefaultBranch = "default"

// reservedBranchNames cannot be used as branch names because they collide
// with revision lookup syntax.
var reservedBranchNames = map[string]bool{
	".":    true,
	"null": true,
	"tip":  true,
}

// Record is a parsed commit record.
type Record struct {
	Manifest    revlog.Node
	User        string
	Time        int64
	TZOffset    int // seconds west of UTC
	Extra       map[string]string
	Files       []string
	Description string
}

// Branch returns the record's branch name, defaulting to "default".
func (r *Record) Branch() string {
	if b, ok := r.Extra["branch"]; ok && b != "" {
		return b
	}
	return DefaultBranch
}

// escapeExtra applies the two-character escapes for the extra encoding:
// backslash, newline, carriage return and NUL.
func escapeExtra(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescapeExtra(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// encodeExtra serializes an extra map: keys sorted, each "key:value" pair
// escaped, pairs joined by NUL. The caller has already dropped the
// implicit branch entry.
func encodeExtra(extra map[string]string) string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escapeExtra(k+":"+extra[k]))
	}
	return strings.Join(parts, "\x00")
}

func decodeExtra(s string) map[string]string {
	extra := make(map[string]string)
	for _, pair := range strings.Split(s, "\x00") {
		if pair == "" {
			continue
		}
		unescaped := unescapeExtra(pair)
		k, v, _ := strings.Cut(unescaped, ":")
		extra[k] = v
	}
	return extra
}

// EncodeRecord serializes a record into the canonical commit text:
//
//	hex(manifest) \n user \n "<time> <tz>[ <extra>]" \n
//	sorted files, one per line \n \n description
//
// Validation failures return a ValidationError before any durable write.
func EncodeRecord(rec *Record) ([]byte, error) {
	user := rec.User
	if user == "" {
		return nil, &revlog.ValidationError{Msg: "empty username"}
	}
	if strings.Contains(user, "\n") {
		return nil, &revlog.ValidationError{Msg: fmt.Sprintf("username %q contains a newline", user)}
	}

	extra := make(map[string]string, len(rec.Extra))
	for k, v := range rec.Extra {
		extra[k] = v
	}
	if branch, ok := extra["branch"]; ok {
		if reservedBranchNames[branch] {
			return nil, &revlog.ValidationError{Msg: fmt.Sprintf("branch name %q is reserved", branch)}
		}
		// The default branch is implicit.
		if branch == DefaultBranch || branch == "" {
			delete(extra, "branch")
		}
	}

	files := make([]string, len(rec.Files))
	copy(files, rec.Files)
	sort.Strings(files)

	var buf bytes.Buffer
	buf.WriteString(rec.Manifest.Hex())
	buf.WriteByte('\n')
	buf.WriteString(user)
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "%d %d", rec.Time, rec.TZOffset)
	if len(extra) > 0 {
		buf.WriteByte(' ')
		buf.WriteString(encodeExtra(extra))
	}
	buf.WriteByte('\n')
	for _, f := range files {
		buf.WriteString(f)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(rec.Description)
	return buf.Bytes(), nil
}

// ReadFiles returns only the file list of an encoded record, without
// decoding anything else. It short-circuits after the third newline and
// returns an empty list when the files segment is empty.
func ReadFiles(text []byte) []string {
	pos := 0
	for i := 0; i < 3; i++ {
		nl := bytes.IndexByte(text[pos:], '\n')
		if nl < 0 {
			return nil
		}
		pos += nl + 1
	}
	if pos >= len(text) || text[pos] == '\n' {
		// Header followed immediately by the blank line: no files.
		return []string{}
	}
	end := bytes.Index(text[pos:], []byte("\n\n"))
	if end < 0 {
		end = len(text) - pos
	}
	return strings.Split(string(text[pos:pos+end]), "\n")
}

// parseDateLine splits "<time> <tz>[ <extra>]".
func parseDateLine(line string) (int64, int, string, error) {
	timeStr, rest, ok := strings.Cut(line, " ")
	if !ok {
		return 0, 0, "", fmt.Errorf("malformed date line %q", line)
	}
	tzStr, extraStr, _ := strings.Cut(rest, " ")
	t, err := strconv.ParseInt(timeStr, 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed timestamp %q: %w", timeStr, err)
	}
	tz, err := strconv.Atoi(tzStr)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed timezone %q: %w", tzStr, err)
	}
	return t, tz, extraStr, nil
}
