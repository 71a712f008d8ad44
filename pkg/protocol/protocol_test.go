package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantName   string
		wantArgc   int
		wantHasPay bool
		wantPay    string
	}{
		{"simple", "GETSET", "GETSET", 1, false, ""},
		{"connect with token", "CONNECT tok123 #My App 1.0", "CONNECT", 4, true, "My App 1.0"},
		{"content", "CONTENT 1 #hello", "CONTENT", 3, true, "hello"},
		{"payload keeps later hashes", "IAM #na#me", "IAM", 2, true, "na#me"},
		{"extra whitespace", "  LOG   20   DESC  ", "LOG", 3, false, ""},
		{"empty payload", "IAM #", "IAM", 2, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := Parse(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.wantName, cmd.Name)
			assert.Equal(t, tt.wantArgc, cmd.Argc())
			assert.Equal(t, tt.wantHasPay, cmd.HasPayload)
			assert.Equal(t, tt.wantPay, cmd.Payload)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	for _, line := range []string{"", "   ", "\t"} {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q should not parse", line)
	}
}

func TestArgOutOfRange(t *testing.T) {
	cmd, ok := Parse("LEVEL")
	require.True(t, ok)
	assert.Equal(t, "LEVEL", cmd.Arg(0))
	assert.Equal(t, "", cmd.Arg(1))
	assert.Equal(t, "", cmd.Arg(-1))
}

func TestRenderers(t *testing.T) {
	assert.Equal(t, "FAIL 200 #You still aren't authorized. Use CONNECT command.",
		Fail(CodeNotAuthorized, "You still aren't authorized. Use CONNECT command."))
	assert.Equal(t, "FAIL 205 5 #Don't flood!", FailArg(CodeFlood, "5", "Don't flood!"))
	assert.Equal(t, "AUTH OK #You are welcome! :3", Auth("OK", "You are welcome! :3"))
	assert.Equal(t, "LEVEL 3 OK #Level-Up! :3", LevelOK(3))
	assert.Equal(t, "CONREC 42 17", ConRec("42", 17))
	assert.Equal(t, "CONTENT 5 1452281488 alice ff00aa alice #hi there", Content(5, 1452281488, "alice", "ff00aa", "alice", "hi there"))
	assert.Equal(t, "LOGCON 5 1452281488 alice ff00aa null #hi there", LogContent(5, 1452281488, "alice", "ff00aa", "null", "hi there"))
	assert.Equal(t, "NTM #alice", NameChange("alice"))
	assert.Equal(t, "SET max_name_length #20", Setting("max_name_length", "20"))
	assert.Equal(t, "SERVICE WARNING #maintenance soon", Service(SeverityWarning, "maintenance soon"))
	assert.Equal(t, "REMCON 33", RemCon(33))
	assert.Equal(t, "RESTART #Please reconnect.", Restart())
	assert.Equal(t, "INIT #Airin ready", Init("Airin ready"))
}

func TestServiceFallback(t *testing.T) {
	line := ServiceFallback(SeverityError, "something broke")
	assert.True(t, strings.HasPrefix(line, "CONTENT 0 "), "fallback must look like a chat message: %s", line)
	assert.Contains(t, line, "*AirinService")
	assert.Contains(t, line, "ff0000")
	assert.True(t, strings.HasSuffix(line, "#something broke"))
}

func TestNamePattern(t *testing.T) {
	re := NamePattern(10)

	for _, name := range []string{"alice", "ALICE", "a1b2", "Вася", "ёжик"} {
		assert.True(t, re.MatchString(name), "name %q should be valid", name)
	}
	for _, name := range []string{"", "with space", "toolongname", "semi;colon", "da$h", "tab\tname"} {
		assert.False(t, re.MatchString(name), "name %q should be invalid", name)
	}
}
