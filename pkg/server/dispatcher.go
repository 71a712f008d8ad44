package server

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asterleen/airin/pkg/protocol"
	"github.com/asterleen/airin/pkg/storage"
)

var whitespaceRe = regexp.MustCompile(`\s`)

// dispatchLine runs one inbound line through the per-session protocol
// state machine. Runs on the dispatch loop.
func (s *Server) dispatchLine(sess *Session, line string) {
	s.log.Debug("serv", "Client [%d:%s] says '%s'", sess.ID, sess.Hash, line)

	cmd, ok := protocol.Parse(line)
	if !ok {
		sess.send(protocol.Fail(protocol.CodeGeneric, "Lol wut"))
		return
	}

	switch cmd.Name {
	case "CONNECT":
		// Re-authentication is allowed only for sessions that are
		// not fully authorized yet; anything else falls through to
		// the unknown-command response.
		if !sess.authorized || sess.readonly {
			s.handleConnect(sess, cmd)
			return
		}

	case "LEVEL":
		s.handleLevel(sess, cmd)
		return

	case "CONTENT":
		if !s.checkAuth(sess) {
			return
		}
		s.handleContent(sess, cmd)
		return

	case "IAM":
		if !s.checkAuth(sess) {
			return
		}
		if !s.runtime.ForceDefaultName {
			s.handleIAM(sess, cmd)
			return
		}

	case "LOG":
		if !sess.authorized && !sess.readonly {
			s.checkAuth(sess)
			return
		}
		s.handleLog(sess, cmd)
		return

	case "LOGOFF", "DOWNGRADE":
		if !s.checkAuth(sess) {
			return
		}
		s.handleAuthChange(sess, cmd)
		return

	case "GETSET":
		if sess.apiLevel >= 3 {
			s.handleGetSet(sess)
			return
		}

	case "SUS":
		if sess.apiLevel >= 3 {
			if sess.pingMisses > 0 {
				sess.pingMisses = 0
			}
			return
		}
	}

	s.unknownCommand(sess)
}

func (s *Server) unknownCommand(sess *Session) {
	switch {
	case sess.apiLevel < 2:
		sess.send(protocol.Fail(protocol.CodeGeneric, "Unknown command or not implemented in your API level (needs level 2)"))
	case sess.apiLevel < 3:
		sess.send(protocol.Fail(protocol.CodeGeneric, "Unknown command or not implemented in your API level (needs level 3)"))
	default:
		sess.send(protocol.Fail(protocol.CodeGeneric, "Unknown command"))
	}
}

// checkAuth gates commands that need an authorized session.
func (s *Server) checkAuth(sess *Session) bool {
	if sess.authorized {
		return true
	}
	sess.send(protocol.Fail(protocol.CodeNotAuthorized, "You still aren't authorized. Use CONNECT command."))
	return false
}

// protocolViolation punishes malformed command frames: one failure
// line, then the connection goes away.
func (s *Server) protocolViolation(sess *Session, why string) {
	s.log.Warn("serv", "Client [%d:%s / %s] mismatches the protocol: %s", sess.ID, sess.Hash, sess.remoteAddr, why)
	sess.send(protocol.Fail(protocol.CodeGeneric, "Syntax error"))
	s.removeSession(sess.ID)
}

func (s *Server) handleConnect(sess *Session, cmd protocol.Command) {
	if cmd.Argc() < 3 || !cmd.HasPayload {
		s.protocolViolation(sess, "bad client/auth information")
		return
	}

	app := cmd.Payload
	if len(app) > 256 {
		app = app[:253] + "..."
	}
	sess.App = app
	s.log.Debug("serv", "Client [%d:%s] uses %s", sess.ID, sess.Hash, sess.App)

	if cmd.Arg(1) == "READONLY" {
		if !s.runtime.ReadonlyAllowed {
			sess.send(protocol.Fail(protocol.CodeGeneric, "Read-only mode is not allowed in server configuration."))
			return
		}
		if sess.apiLevel < 2 {
			s.log.Warn("serv", "Client [%d:%s] tries to use read-only mode on API level 1", sess.ID, sess.Hash)
			sess.send(protocol.Fail(protocol.CodeGeneric, "Read-only mode requires API level 2"))
			return
		}
		sess.setReadonly(true)
		sess.send(protocol.Auth("READONLY", "You are in Read-Only mode"))
		return
	}

	if !s.cfg.ExternalAuth {
		sess.setAuthorized(true)
		sess.send(protocol.Auth("OK", "Airin does not require auth :3"))
		return
	}

	sess.Token = cmd.Arg(1)
	login, err := s.store.ResolveToken(sess.Token)
	if err != nil {
		s.log.Warn("serv", "Token resolution failed for client [%d:%s]: %v", sess.ID, sess.Hash, err)
		sess.send(protocol.Auth("FAIL", "Authentication backend error, try again later"))
		return
	}
	if login == "" || login == "0" {
		s.log.Debug("serv", "Client [%d:%s] presented an unknown token", sess.ID, sess.Hash)
		sess.send(protocol.Auth("FAIL", "Your auth key is invalid ._."))
		return
	}

	sess.Login = login

	if s.runtime.UseMiscInfoAsName {
		if misc, merr := s.store.MiscInfo(login); merr == nil && misc != "" {
			// Spaces are token separators on the wire, they cannot
			// appear in a display name.
			sess.Name = whitespaceRe.ReplaceAllString(misc, "")
		}
	}

	state, err := s.store.BanState(login)
	if err != nil {
		// Unknown moderation state: refuse service rather than let
		// a possibly banned account through.
		s.log.Warn("serv", "Ban check failed for %s, treating as banned: %v", login, err)
		state = storage.BanFull
	}

	switch state {
	case storage.BanShadow:
		sess.shadowBanned = true
		sess.setAuthorized(true)
		sess.send(protocol.Auth("OK", "You are welcome."))
		s.log.Info("serv", "Shadowbanned client authorized, login %s, app %s", login, sess.App)
	case storage.BanFull:
		s.log.Info("serv", "Banned client tried to connect, login %s, app %s", login, sess.App)
		sess.send(protocol.Auth("BANNED", "Sorry but your account is not allowed to be used with this chat."))
		s.removeSession(sess.ID)
		return
	default:
		sess.setAuthorized(true)
		sess.send(protocol.Auth("OK", "You are welcome! :3"))
		s.log.Info("serv", "New client authorized, login %s, app %s", login, sess.App)
	}

	if sess.apiLevel < protocol.MinAPILevel {
		s.sendService(sess, protocol.SeverityWarning, s.runtime.DeprecationMessage)
	}
}

func (s *Server) handleLevel(sess *Session, cmd protocol.Command) {
	level, err := strconv.Atoi(cmd.Arg(1))
	if err != nil || level <= 0 || level > protocol.MaxAPILevel {
		sess.send(protocol.Fail(protocol.CodeGeneric,
			fmt.Sprintf("Bad API level is set, maximum level is %d", protocol.MaxAPILevel)))
		return
	}
	if level <= sess.apiLevel {
		return
	}

	sess.setAPILevel(level)
	sess.send(protocol.LevelOK(level))
	s.log.Debug("serv", "Client [%d:%s] advances to API level %d", sess.ID, sess.Hash, level)

	if level >= 3 {
		s.armPing(sess)
	}
}

func (s *Server) handleContent(sess *Session, cmd protocol.Command) {
	if cmd.Argc() < 3 || !cmd.HasPayload {
		s.protocolViolation(sess, "inappropriate message data")
		return
	}
	s.processMessage(sess, cmd.Arg(1), cmd.Payload)
}

// processMessage runs a chat submission through flood control, the
// slash-command router, validation, persistence and fan-out.
func (s *Server) processMessage(sess *Session, recCode, text string) {
	now := s.now()
	if !s.limiter.allow(sess.Login, now, s.runtime.MessageDelay) {
		s.metrics.RecordFloodRejection()
		s.log.Warn("serv", "Client %s (%s) floods the chat", sess.Name, sess.Login)
		delay := int(s.runtime.MessageDelay / time.Second)
		sess.send(protocol.FailArg(protocol.CodeFlood, strconv.Itoa(delay),
			fmt.Sprintf("Don't flood! Message frequency is limited to %d seconds.", delay)))
		if s.runtime.DelayTroll {
			s.limiter.touch(sess.Login, now)
		}
		return
	}

	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "/") {
		if s.userCommand(sess, strings.TrimPrefix(text, "/")) {
			s.log.Debug("serv", "Client [%d:%s] sent a command instead of a message", sess.ID, sess.Hash)
			sess.send(protocol.ConRec(recCode, 0))
			return
		}
	}

	if text == "" || utf8.RuneCountInString(text) > s.runtime.MaxMessageLen {
		s.log.Warn("serv", "Client %s (%s) sent a bad message, ignored", sess.Name, sess.Login)
		sess.send(protocol.Fail(protocol.CodeBadMessage, "Message is too long or doesn't exist at all"))
		return
	}

	id, err := s.store.AppendMessage(sess.Login, text, sess.Name, sess.Color, !sess.shadowBanned)
	if err != nil {
		s.log.Error("serv", "Could not save message: %v", err)
		sess.send(protocol.Fail(protocol.CodeGeneric, "Internal Airin error"))
		id = 0
	} else {
		sess.send(protocol.ConRec(recCode, id))
	}

	// The broadcast goes out even when persistence failed; live chat
	// beats a complete log.
	out := protocol.Content(id, now.Unix(), sess.Name, sess.Color, s.loginOrNull(sess.Login), text)
	if sess.shadowBanned {
		s.broadcastToIdentity(sess.Login, out)
	} else {
		s.broadcast(out, 0)
	}
	s.metrics.RecordMessageBroadcast()
}

func (s *Server) loginOrNull(login string) string {
	if s.runtime.DiscloseUserIDs && login != "" {
		return login
	}
	return "null"
}

func (s *Server) handleIAM(sess *Session, cmd protocol.Command) {
	if cmd.Argc() < 2 || !cmd.HasPayload {
		s.protocolViolation(sess, "strange name payload")
		return
	}

	name := strings.TrimSpace(cmd.Payload)
	if protocol.NamePattern(s.runtime.MaxNameLen).MatchString(name) {
		if s.runtime.CheckNameDistinct && !s.isNameDistinct(sess, name) {
			sess.send(protocol.Fail(protocol.CodeNameTaken, "Name is not unique, please choose another."))
			return
		}
		sess.Name = name
		sess.send(protocol.NameChange(name))
		s.log.Info("serv", "Client with login %s sets name to %s", sess.Login, name)
		return
	}

	sess.Name = s.runtime.DefaultUserName
	if name != "" {
		sess.send(protocol.Fail(protocol.CodeBadName, "Name should not contain anything excepting letters and numbers. No spaces plz."))
		return
	}
	sess.send(protocol.NameChange(""))
}

// isNameDistinct reports whether the proposed name collides with a
// non-default name already used by a different identity.
func (s *Server) isNameDistinct(sess *Session, name string) bool {
	lower := strings.ToLower(name)
	for _, other := range s.sessions {
		if other.ID == sess.ID || other.Login == sess.Login {
			continue
		}
		if other.Name != s.runtime.DefaultUserName && strings.ToLower(other.Name) == lower {
			return false
		}
	}
	return true
}

func (s *Server) handleLog(sess *Session, cmd protocol.Command) {
	amount := s.runtime.DefaultMessageAmount
	from := 0
	order := logAscend

	var amountArg, offsetArg, orderArg string
	switch cmd.Argc() {
	case 1:
		// Bare LOG: the default window.
	case 2:
		amountArg = cmd.Arg(1)
	case 3:
		amountArg = cmd.Arg(1)
		if cmd.Arg(2) == "ASC" || cmd.Arg(2) == "DESC" {
			orderArg = cmd.Arg(2)
		} else {
			offsetArg = cmd.Arg(2)
		}
	case 4:
		amountArg = cmd.Arg(1)
		offsetArg = cmd.Arg(2)
		if cmd.Arg(3) == "ASC" || cmd.Arg(3) == "DESC" {
			orderArg = cmd.Arg(3)
		}
	default:
		s.protocolViolation(sess, "message API misuse")
		return
	}

	if amountArg != "" {
		n, err := strconv.Atoi(amountArg)
		if err != nil || n <= 0 || n > s.runtime.MaxMessageAmount {
			sess.send(protocol.Fail(protocol.CodeGeneric, "Bad amount parameter"))
			return
		}
		amount = n
	}
	if offsetArg != "" {
		// A bogus offset silently degrades to the newest window.
		if n, err := strconv.Atoi(offsetArg); err == nil && n > 0 && int64(n) < s.store.LastMessageID() {
			from = n
		}
	}
	if orderArg == "DESC" {
		order = logDescend
	}

	req := backlogRequest{sid: sess.ID, amount: amount, from: from, order: order}
	if s.runtime.UseLogRequestQueue {
		s.enqueueBacklog(sess, req)
	} else {
		s.answerBacklog(req)
	}
}

func (s *Server) handleAuthChange(sess *Session, cmd protocol.Command) {
	if cmd.Argc() < 2 {
		s.protocolViolation(sess, "bad session change request")
		return
	}

	if cmd.Name == "LOGOFF" {
		if err := s.store.KillAuthSession(cmd.Arg(1)); err != nil {
			s.log.Warn("serv", "Could not kill auth session: %v", err)
			sess.send("LOGOFF FAIL #I can't kill this session")
		} else {
			sess.send("LOGOFF OK #Bye ._.")
		}
		s.removeSession(sess.ID)
		return
	}

	// DOWNGRADE
	if sess.apiLevel < 2 {
		sess.send(protocol.Fail(protocol.CodeGeneric, "You should have API level 2 to use this."))
		return
	}
	if !s.runtime.ReadonlyAllowed {
		sess.send(protocol.Fail(protocol.CodeGeneric, "Read-only mode is not allowed by server configuration"))
		return
	}
	sess.setReadonly(true)
	sess.send("DOWNGRADE OK #You're read-only now")
}

func (s *Server) handleGetSet(sess *Session) {
	sess.send(protocol.Setting("nick_regex", protocol.NamePatternString(s.runtime.MaxNameLen)))
	sess.send(protocol.Setting("max_name_length", strconv.Itoa(s.runtime.MaxNameLen)))
	sess.send(protocol.Setting("max_message_length", strconv.Itoa(s.runtime.MaxMessageLen)))
	sess.send(protocol.Setting("min_message_delay", strconv.Itoa(int(s.runtime.MessageDelay/time.Second))))
	sess.send(protocol.Setting("max_log_message_amount", strconv.Itoa(s.runtime.MaxMessageAmount)))
	sess.send(protocol.Setting("color_reset_attempts", strconv.Itoa(s.runtime.ColorResetMax)))
	sess.send(protocol.Setting("logins_disclosed", boolToWire(s.runtime.DiscloseUserIDs)))
}

func boolToWire(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// sendService delivers a SERVICE notification, downgrading it to a
// synthetic chat message for level-1 clients.
func (s *Server) sendService(sess *Session, sev protocol.Severity, text string) {
	if sess.apiLevel >= 2 {
		sess.send(protocol.Service(sev, text))
	} else {
		sess.send(protocol.ServiceFallback(sev, text))
	}
}
