// Package naming encodes the identity of a backup artifact into its storage key and decodes it back.
package naming

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
)

const (
	// DefaultDateFormat renders as YYYY-MM-DD-HHMMSS, which sorts lexicographically by time
	DefaultDateFormat = "2006-01-02-150405"
	// DefaultTemplate is the filename template used when none is configured
	DefaultTemplate = "{databasename}-{servername}-{datetime}.{extension}"

	fieldDatabaseName = "databasename"
	fieldServerName   = "servername"
	fieldDatetime     = "datetime"
	fieldExtension    = "extension"
)

var (
	placeholderRe = regexp.MustCompile(`\{([a-z]+)\}`)

	// DefaultSuffixes are the suffixes the transform stages may append to an artifact name
	DefaultSuffixes = []string{".gz", ".gpg", ".aes"}
)

// Target identifies what is being backed up
type Target struct {
	DatabaseName string
	ServerName   string
	Extension    string
}

func (t Target) String() string {
	if t.ServerName == "" {
		return t.DatabaseName + "/" + t.Extension
	}
	return t.DatabaseName + "@" + t.ServerName + "/" + t.Extension
}

// Codec turns targets and timestamps into artifact names and back
type Codec struct {
	Template   string
	DateFormat string
	// Suffixes may follow the extension of a decoded name in any sequence
	Suffixes []string
	// Location is the zone timestamps are rendered and parsed in, nil means UTC
	Location *time.Location
}

// MatchFunc returns the timestamp encoded in name, ok is false if name belongs to another target
type MatchFunc func(name string) (t time.Time, ok bool, err error)

// New returns a codec with defaults applied for empty settings
func New(template, dateFormat string) *Codec {
	if template == "" {
		template = DefaultTemplate
	}
	if dateFormat == "" {
		dateFormat = DefaultDateFormat
	}
	return &Codec{
		Template:   template,
		DateFormat: dateFormat,
		Suffixes:   DefaultSuffixes,
	}
}

// Validate checks the template and the date format
func (c *Codec) Validate() error {
	for _, field := range []string{fieldDatabaseName, fieldDatetime, fieldExtension} {
		if !strings.Contains(c.Template, "{"+field+"}") {
			return backuperrors.ConfigurationError{Msg: fmt.Sprintf("filename template %q lacks placeholder {%s}", c.Template, field)}
		}
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(c.Template, -1) {
		switch m[1] {
		case fieldDatabaseName, fieldServerName, fieldDatetime, fieldExtension:
		default:
			return backuperrors.ConfigurationError{Msg: fmt.Sprintf("filename template %q contains unknown placeholder {%s}", c.Template, m[1])}
		}
	}

	ref := time.Date(2024, time.March, 1, 2, 3, 4, 0, time.UTC)
	parsed, err := time.Parse(c.DateFormat, ref.Format(c.DateFormat))
	if err != nil || !parsed.Equal(ref) {
		return backuperrors.ConfigurationError{Msg: fmt.Sprintf("date format %q does not round-trip to second precision", c.DateFormat), Err: err}
	}
	return nil
}

// Encode renders the artifact name of the target taken at the given time
func (c *Codec) Encode(target Target, t time.Time) (string, error) {
	values := map[string]string{
		fieldDatabaseName: target.DatabaseName,
		fieldServerName:   target.ServerName,
		fieldDatetime:     t.In(c.location()).Format(c.DateFormat),
		fieldExtension:    target.Extension,
	}

	var missing error
	result := placeholderRe.ReplaceAllStringFunc(c.omitServerName(target), func(p string) string {
		field := p[1 : len(p)-1]
		v, ok := values[field]
		if !ok || v == "" {
			if missing == nil {
				missing = backuperrors.MissingFieldError{Field: field}
			}
			return p
		}
		return v
	})
	if missing != nil {
		return "", missing
	}
	if !strings.Contains(c.Template, "{"+fieldDatetime+"}") {
		return "", backuperrors.MissingFieldError{Field: fieldDatetime}
	}

	return result, nil
}

// Decode returns the timestamp encoded in name if name is an artifact of the target.
// ok is false if the name does not belong to the target.
func (c *Codec) Decode(name string, target Target) (t time.Time, ok bool, err error) {
	match, err := c.Matcher(target)
	if err != nil {
		return time.Time{}, false, err
	}
	return match(name)
}

// Matcher compiles the name pattern of the target once, for decoding whole listings
func (c *Codec) Matcher(target Target) (MatchFunc, error) {
	re, err := c.pattern(target)
	if err != nil {
		return nil, err
	}

	loc := c.location()

	return func(name string) (time.Time, bool, error) {
		m := re.FindStringSubmatch(name)
		if m == nil {
			return time.Time{}, false, nil
		}

		t, err := time.ParseInLocation(c.DateFormat, m[1], loc)
		if err != nil {
			return time.Time{}, true, backuperrors.MalformedTimestampError{Name: name, Value: m[1], Err: err}
		}

		return t, true, nil
	}, nil
}

func (c *Codec) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c *Codec) pattern(target Target) (*regexp.Regexp, error) {
	tmpl := c.omitServerName(target)

	values := map[string]string{
		fieldDatabaseName: target.DatabaseName,
		fieldServerName:   target.ServerName,
		fieldExtension:    target.Extension,
	}

	var (
		b        strings.Builder
		last     int
		captured bool
	)
	b.WriteString("^")
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		b.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		field := tmpl[loc[2]:loc[3]]
		if field == fieldDatetime {
			b.WriteString("(.+?)")
			captured = true
		} else {
			v := values[field]
			if v == "" {
				return nil, backuperrors.MissingFieldError{Field: field}
			}
			b.WriteString(regexp.QuoteMeta(v))
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(tmpl[last:]))

	if !captured {
		return nil, backuperrors.MissingFieldError{Field: fieldDatetime}
	}

	if len(c.Suffixes) > 0 {
		quoted := make([]string, 0, len(c.Suffixes))
		for _, s := range c.Suffixes {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
		b.WriteString("(?:" + strings.Join(quoted, "|") + ")*")
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}

// omitServerName drops the server name placeholder and one adjacent separator when there is no server name
func (c *Codec) omitServerName(target Target) string {
	if target.ServerName != "" {
		return c.Template
	}
	p := "{" + fieldServerName + "}"
	switch {
	case strings.Contains(c.Template, "-"+p):
		return strings.Replace(c.Template, "-"+p, "", 1)
	case strings.Contains(c.Template, p+"-"):
		return strings.Replace(c.Template, p+"-", "", 1)
	default:
		return strings.Replace(c.Template, p, "", 1)
	}
}
