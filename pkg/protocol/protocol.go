// Package protocol implements the Airin line protocol: parsing of
// inbound client commands and rendering of outbound response lines.
//
// A wire line looks like
//
//	CONTENT 1 #Hello everyone!
//
// where everything before the first '#' is whitespace-separated tokens
// and everything after it is a free-text payload that is never split.
package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxAPILevel is the highest API level this server implements.
	MaxAPILevel = 3

	// MinAPILevel is the lowest API level that is not considered
	// deprecated. Clients below it still work but get a warning
	// after authentication.
	MinAPILevel = 2
)

// Failure codes carried in FAIL responses.
const (
	CodeNotAuthorized = 200
	CodeBadName       = 203
	CodeBadMessage    = 204
	CodeFlood         = 205
	CodeNoMessages    = 206
	CodeNameTaken     = 207
	CodeGeneric       = 299
)

// Command is a parsed inbound line. Tokens holds every
// whitespace-separated token of the line, command name included, so
// arity checks see the same counts the wire does. Payload is the text
// after the first '#', unsplit.
type Command struct {
	Name       string
	Tokens     []string
	Payload    string
	HasPayload bool
}

// Parse splits a raw wire line into tokens and payload. It reports
// false for lines that contain no tokens at all.
func Parse(line string) (Command, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, false
	}

	cmd := Command{
		Name:   tokens[0],
		Tokens: tokens,
	}
	if idx := strings.Index(line, "#"); idx >= 0 {
		cmd.Payload = line[idx+1:]
		cmd.HasPayload = true
	}
	return cmd, true
}

// Argc returns the token count, command name included.
func (c Command) Argc() int { return len(c.Tokens) }

// Arg returns the i-th token or "" when the line is too short.
// Index 0 is the command name itself.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Tokens) {
		return ""
	}
	return c.Tokens[i]
}

// Severity classifies SERVICE notifications.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// color returns the display color used when a SERVICE notification has
// to be downgraded to a synthetic chat message for level-1 clients.
func (s Severity) color() string {
	switch s {
	case SeverityWarning:
		return "ffff00"
	case SeverityError:
		return "ff0000"
	default:
		return "00FFFF"
	}
}

// serviceFallbackTimestamp is the fixed timestamp stamped on synthetic
// service messages so old clients do not reorder their history on it.
const serviceFallbackTimestamp = 1452281488

// Fail renders a FAIL response with a numeric code and a reason text.
func Fail(code int, reason string) string {
	return fmt.Sprintf("FAIL %d #%s", code, reason)
}

// FailArg renders a FAIL response that carries an extra machine-readable
// argument between the code and the reason, e.g. the flood window.
func FailArg(code int, arg, reason string) string {
	return fmt.Sprintf("FAIL %d %s #%s", code, arg, reason)
}

// Auth renders an AUTH response. Status is one of OK, READONLY, BANNED
// or FAIL.
func Auth(status, note string) string {
	return fmt.Sprintf("AUTH %s #%s", status, note)
}

// LevelOK acknowledges a successful API level raise.
func LevelOK(level int) string {
	return fmt.Sprintf("LEVEL %d OK #Level-Up! :3", level)
}

// ConRec acknowledges an accepted CONTENT submission, echoing the
// client's reception code and reporting the stored message id (0 when
// nothing was persisted).
func ConRec(recCode string, id int64) string {
	return fmt.Sprintf("CONREC %s %d", recCode, id)
}

// Content renders a live chat message broadcast line.
func Content(id, timestamp int64, name, color, login, text string) string {
	return fmt.Sprintf("CONTENT %d %d %s %s %s #%s", id, timestamp, name, color, login, text)
}

// LogContent renders a history message line sent in response to LOG.
func LogContent(id, timestamp int64, name, color, login, text string) string {
	return fmt.Sprintf("LOGCON %d %d %s %s %s #%s", id, timestamp, name, color, login, text)
}

// NameChange confirms a display name change.
func NameChange(name string) string {
	return fmt.Sprintf("NTM #%s", name)
}

// Setting renders one GETSET response line.
func Setting(key, value string) string {
	return fmt.Sprintf("SET %s #%s", key, value)
}

// Service renders a SERVICE notification for clients at API level 2+.
func Service(sev Severity, text string) string {
	return fmt.Sprintf("SERVICE %s #%s", sev, text)
}

// ServiceFallback renders a SERVICE notification disguised as a chat
// message from a synthetic system user, for level-1 clients that do not
// understand SERVICE.
func ServiceFallback(sev Severity, text string) string {
	return fmt.Sprintf("CONTENT 0 %d *AirinService %s #%s", serviceFallbackTimestamp, sev.color(), text)
}

// RemCon asks clients to hide a removed message.
func RemCon(id int64) string {
	return fmt.Sprintf("REMCON %d", id)
}

// Restart asks clients to reconnect.
func Restart() string {
	return "RESTART #Please reconnect."
}

// Init renders the end-of-greeting banner that tells the client the
// server is ready for commands.
func Init(banner string) string {
	return fmt.Sprintf("INIT #%s", banner)
}

// NamePatternString returns the display name validation pattern for the
// given maximum length, in the form sent to clients via GETSET.
func NamePatternString(maxLen int) string {
	return fmt.Sprintf("[a-zA-Z0-9а-яА-ЯЁё]{1,%d}", maxLen)
}

// NamePattern compiles the display name validation pattern. Names are
// matched case-insensitively and may mix latin, cyrillic and digits,
// with no whitespace.
func NamePattern(maxLen int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^(?i)[a-z0-9а-яА-ЯЁё]{1,%d}$`, maxLen))
}
