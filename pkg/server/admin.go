package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asterleen/airin/pkg/logging"
	"github.com/asterleen/airin/pkg/protocol"
	"github.com/asterleen/airin/pkg/storage"
)

var userHelpTopics = map[string]string{
	"info":   "/info: shows information about your connection. Usage: /info",
	"key":    "/key: displays your auth key for using in 3rd party applications. Usage: /key",
	"status": "/status: displays current server status, version and online count. Usage: /status",
	"color":  "/color: re-rolls your display color. The attempt count is limited by server configuration. Usage: /color",
	"logoff": "/logoff: destroys your session and closes your connection. Usage: /logoff",
	"su":     "/su: elevates your privileges to Super User. Requires your login to be in the white list. Usage: /su",
}

var adminHelpTopics = map[string]string{
	"desu":       "/desu: drops your administrative privileges. Usage: /desu",
	"e":          "/e: echoes a raw protocol line back to you, for client debugging. Usage: /e <anything>",
	"whois":      "/whois: shows the login that sent a message. Usage: /whois <message_id>",
	"whowas":     "/whowas: lists display names a login has posted under. Usage: /whowas <login>",
	"clients":    "/clients: lists connected clients. Usage: /clients",
	"restart":    "/restart: asks clients to reconnect or restarts the server. Usage: /restart <client|server>",
	"ban":        "/ban: manages moderation state. Usage: /ban <(message|login)|list> [message_id|login] [none|shadow|full] [comment]",
	"disconnect": "/disconnect: force-closes client connections. Usage: /disconnect <login|hash|addr> <value>",
	"message":    "/message: inspects or moderates a stored message. Usage: /message <id> <info|text|remove|restore>",
	"config":     "/config: shows or changes runtime settings. Usage: /config <list|set> [param] [value]",
	"log":        "/log: redirects server logs to your session. Usage: /log level <none|error|warning|info|debug>",
}

// userCommand interprets a slash command from a chat submission.
// Always reports the line as consumed; unknown commands get a generic
// notice so privileged command names stay indistinguishable from
// typos for regular users.
func (s *Server) userCommand(sess *Session, cmdline string) bool {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		s.log.Debug("commd", "Bad user command, there's no command at all")
		return false
	}

	s.log.Debug("commd", "Client [%d:%s] issues command %s", sess.ID, sess.Hash, args[0])

	switch args[0] {
	case "help":
		s.helpCommand(sess, args)
		return true

	case "info":
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Your name is %s, UID is %s, color code is %s, application is %s.",
				sess.Name, sess.Hash, sess.Color, sess.App))
		return true

	case "key":
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Your internal auth key is %s. Use it in 3rd party apps that don't support web authentication.", sess.Token))
		return true

	case "status":
		stats := s.clientStats()
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Airin/%s Server OK, serving %d active clients, %d are duplicates.",
				Version, len(s.sessions), stats.duplicates))
		return true

	case "color":
		if sess.resetColor(s.now()) {
			s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Your new color code is %s.", sess.Color))
		} else {
			s.sendService(sess, protocol.SeverityError, "No color resets left.")
		}
		return true

	case "logoff":
		s.sendService(sess, protocol.SeverityWarning, "You will be disconnected from the server.")
		if err := s.store.KillAuthSession(sess.Token); err != nil {
			s.log.Warn("commd", "Could not kill auth session: %v", err)
		}
		s.disconnectByLogin(sess.Login)
		return true

	case "su":
		admin, err := s.store.IsAdmin(sess.Login)
		if err != nil {
			// Fail closed: no ACL answer means no privileges.
			s.log.Warn("commd", "Admin list check failed for %s: %v", sess.Login, err)
			admin = false
		}
		if admin {
			sess.admin = true
			s.log.Info("commd", "Client %s (%s) elevated to admin", sess.Name, sess.Login)
			s.sendService(sess, protocol.SeverityInfo, "Congratulations, you are in administrative mode! Be careful :3")
		} else {
			s.log.Warn("commd", "Client %s (%s) tried to elevate without being whitelisted", sess.Name, sess.Login)
			s.sendService(sess, protocol.SeverityError, "You aren't allowed to use this command, m8.")
		}
		return true
	}

	if sess.admin {
		return s.adminCommand(sess, args, cmdline)
	}

	s.sendService(sess, protocol.SeverityInfo, "No such command. Use /help for a list of commands.")
	return true
}

func (s *Server) helpCommand(sess *Session, args []string) {
	if len(args) < 2 {
		s.sendService(sess, protocol.SeverityInfo, "Available commands are: info, key, status, color, logoff, su")
		if sess.admin {
			s.sendService(sess, protocol.SeverityInfo, "[!] Administrative commands are: desu, whois, whowas, clients, restart, ban, disconnect, e, message, config, log")
		}
		s.sendService(sess, protocol.SeverityInfo, "You can use /help on special commands, e.g. /help info")
		return
	}

	if text, ok := userHelpTopics[args[1]]; ok {
		s.sendService(sess, protocol.SeverityInfo, text)
		return
	}
	if sess.admin {
		if text, ok := adminHelpTopics[args[1]]; ok {
			s.sendService(sess, protocol.SeverityInfo, text)
			return
		}
	}
	s.sendService(sess, protocol.SeverityInfo, "No such command. Use /help <command> without slashes and brackets, e.g. /help info")
}

// adminCommand handles the privileged vocabulary. Only reachable for
// elevated sessions.
func (s *Server) adminCommand(sess *Session, args []string, raw string) bool {
	switch args[0] {
	case "desu":
		sess.admin = false
		if s.adminRelayID == sess.ID {
			s.adminRelayID = 0
			s.log.ClearRelay()
		}
		s.sendService(sess, protocol.SeverityInfo, "Administrative mode disabled, desudesudesu!")

	case "e":
		idx := strings.Index(raw, " ")
		if idx < 0 {
			s.sendService(sess, protocol.SeverityWarning, "Usage: /e <anything>")
			return true
		}
		sess.send(raw[idx+1:])

	case "whois":
		if len(args) < 2 {
			s.sendService(sess, protocol.SeverityWarning, "Usage: /whois <message_id>")
			return true
		}
		id := parseMessageID(args[1])
		if id <= 0 {
			s.sendService(sess, protocol.SeverityWarning, "Message ID must be a positive integer.")
			return true
		}
		msg, err := s.store.Message(id)
		if err != nil {
			s.sendService(sess, protocol.SeverityWarning, "No such message!")
			return true
		}
		s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Message %d was sent by client %s", id, msg.Login))

	case "whowas":
		if len(args) < 2 {
			s.sendService(sess, protocol.SeverityWarning, "Usage: /whowas <login>")
			return true
		}
		names, err := s.store.UserNames(args[1])
		if err != nil {
			s.log.Warn("commd", "Could not fetch user names: %v", err)
			names = nil
		}
		if len(names) == 0 {
			s.sendService(sess, protocol.SeverityWarning, "No usernames for this login or login is incorrect.")
			return true
		}
		s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Usernames of %s: %s", args[1], strings.Join(names, ", ")))

	case "clients":
		stats := s.clientStats()
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Listing %d clients (%d of them are duplicates)", len(s.sessions), stats.duplicates))
		for _, line := range stats.lines {
			s.sendService(sess, protocol.SeverityInfo, line)
		}

	case "restart":
		s.restartCommand(sess, args)

	case "ban":
		s.banCommand(sess, args, raw)

	case "disconnect":
		s.disconnectCommand(sess, args)

	case "message":
		s.messageCommand(sess, args)

	case "config":
		s.configCommand(sess, args, raw)

	case "log":
		s.logCommand(sess, args)

	default:
		s.sendService(sess, protocol.SeverityInfo, "No such command. Be careful, I said! ;3")
	}
	return true
}

func (s *Server) restartCommand(sess *Session, args []string) {
	if len(args) < 2 {
		s.sendService(sess, protocol.SeverityWarning, "Usage: /restart <client|server>")
		return
	}
	switch args[1] {
	case "client":
		s.broadcast(protocol.Restart(), 3)
		s.sendService(sess, protocol.SeverityInfo, "All clients with API Level 3 and above are asked to restart.")
	case "server":
		s.log.Warn("commd", "Admin %s requested a server restart", sess.Login)
		s.serviceBroadcast(protocol.SeverityWarning, "Server is performing restart for maintenance.", "")
		time.AfterFunc(time.Second, s.restartFn)
	default:
		s.sendService(sess, protocol.SeverityWarning, "Usage: /restart <client|server>")
	}
}

func (s *Server) banCommand(sess *Session, args []string, raw string) {
	const usage = "Usage: /ban <(message|login)|list> [message_id|login] [none|shadow|full] [comment]"
	if len(args) < 2 {
		s.sendService(sess, protocol.SeverityWarning, usage)
		return
	}

	switch args[1] {
	case "list":
		bans, err := s.store.Bans()
		if err != nil {
			s.log.Warn("commd", "Could not list bans: %v", err)
			s.sendService(sess, protocol.SeverityError, "Could not fetch ban entries.")
			return
		}
		if len(bans) == 0 {
			s.sendService(sess, protocol.SeverityInfo, "No ban entries found.")
			return
		}
		s.sendService(sess, protocol.SeverityInfo, "Listing banned logins")
		for _, ban := range bans {
			s.sendService(sess, protocol.SeverityInfo,
				fmt.Sprintf("Login %s; Type %s; Comment: %s", ban.Login, ban.State, ban.Comment))
		}

	case "message", "login":
		if len(args) < 4 {
			s.sendService(sess, protocol.SeverityWarning, usage)
			return
		}

		var login string
		if args[1] == "message" {
			id := parseMessageID(args[2])
			if id <= 0 {
				s.sendService(sess, protocol.SeverityWarning, "Message ID must be a positive integer.")
				return
			}
			msg, err := s.store.Message(id)
			if err != nil {
				s.sendService(sess, protocol.SeverityWarning, "No such message!")
				return
			}
			login = msg.Login
		} else {
			login = args[2]
		}

		if login == sess.Login {
			s.sendService(sess, protocol.SeverityError, "O rly? Are you going to ban yourself? No way!")
			return
		}

		state, ok := storage.ParseBanState(args[3])
		if !ok {
			s.sendService(sess, protocol.SeverityWarning, "Ban action must be either none, shadow or full")
			return
		}

		if err := s.store.SetBan(login, state, trailingText(raw, args[3])); err != nil {
			s.log.Warn("commd", "Could not store ban for %s: %v", login, err)
			s.sendService(sess, protocol.SeverityWarning, "Could not ban user "+login)
			return
		}

		s.log.Info("commd", "Admin %s set ban state %s for %s", sess.Login, state, login)
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Successfully changed ban state to %s for user %s", state, login))

		s.setShadowbanned(login, state == storage.BanShadow)
		if state == storage.BanFull {
			s.serviceBroadcast(protocol.SeverityError, "You've been banned. Sorry m8.", login)
			s.disconnectByLogin(login)
		}

	default:
		s.sendService(sess, protocol.SeverityWarning, usage)
	}
}

func (s *Server) disconnectCommand(sess *Session, args []string) {
	if len(args) < 3 {
		s.sendService(sess, protocol.SeverityWarning, "Usage: /disconnect <login|hash|addr> <value>")
		return
	}

	var count int
	switch args[1] {
	case "login":
		count = s.disconnectByLogin(args[2])
	case "hash":
		count = s.disconnectByHash(args[2])
	case "addr":
		count = s.disconnectByAddr(args[2])
	default:
		s.sendService(sess, protocol.SeverityWarning, "Usage: /disconnect <login|hash|addr> <value>")
		return
	}
	s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Disconnected %d clients by %s", count, args[1]))
}

func (s *Server) messageCommand(sess *Session, args []string) {
	const usage = "Usage: /message <message_id> <info|text|remove|restore>"
	if len(args) < 3 {
		s.sendService(sess, protocol.SeverityWarning, usage)
		return
	}

	id := parseMessageID(args[1])
	if id <= 0 {
		s.sendService(sess, protocol.SeverityWarning, "Message ID must be a positive integer.")
		return
	}
	msg, err := s.store.Message(id)
	if err != nil {
		s.sendService(sess, protocol.SeverityWarning, "No such message!")
		return
	}

	switch args[2] {
	case "info":
		visibility := "visible"
		if !msg.Visible {
			visibility = "hidden"
		}
		s.sendService(sess, protocol.SeverityInfo,
			fmt.Sprintf("Message %d was sent by %s (%s) at %s and is %s.",
				msg.ID, msg.Name, msg.Login, msg.Timestamp.Format("02.01.2006 @ 15:04:05"), visibility))

	case "text":
		s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Message %d text: %s", msg.ID, msg.Text))

	case "remove":
		if err := s.store.SetMessageVisible(id, false); err != nil {
			s.sendService(sess, protocol.SeverityError, fmt.Sprintf("Could not remove message %d!", id))
			return
		}
		// Level 3 clients understand REMCON and hide it live.
		s.broadcast(protocol.RemCon(id), 3)
		s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Successfully removed message %d.", id))

	case "restore":
		if err := s.store.SetMessageVisible(id, true); err != nil {
			s.sendService(sess, protocol.SeverityError, fmt.Sprintf("Could not restore message %d!", id))
			return
		}
		s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Successfully restored message %d.", id))

	default:
		s.sendService(sess, protocol.SeverityWarning, usage)
	}
}

func (s *Server) configCommand(sess *Session, args []string, raw string) {
	const usage = "Usage: /config <list|set> [param] [value]"
	if len(args) < 2 {
		s.sendService(sess, protocol.SeverityWarning, usage)
		return
	}

	switch args[1] {
	case "list":
		values, err := s.store.Config()
		if err != nil {
			s.log.Warn("commd", "Could not fetch config: %v", err)
			s.sendService(sess, protocol.SeverityError, "Could not fetch server settings.")
			return
		}
		if len(values) == 0 {
			s.sendService(sess, protocol.SeverityInfo, "No settings are stored, everything runs on defaults.")
			return
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s.sendService(sess, protocol.SeverityInfo, "Listing stored server settings")
		for _, k := range keys {
			s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("%s = %s", k, values[k]))
		}

	case "set":
		if len(args) < 4 {
			s.sendService(sess, protocol.SeverityWarning, "Usage: /config set <param> <value>")
			return
		}
		value := trailingText(raw, args[2])
		if err := s.store.SetConfig(args[2], value); err != nil {
			s.log.Warn("commd", "Could not store setting %s: %v", args[2], err)
			s.sendService(sess, protocol.SeverityError, "Could not update this setting.")
			return
		}
		s.reloadRuntimeConfig()
		s.log.Info("commd", "Admin %s set %s = %s", sess.Login, args[2], value)
		s.sendService(sess, protocol.SeverityInfo, "Settings have been updated and reloaded.")
		s.sendService(sess, protocol.SeverityInfo, "Keep in mind that some parameters may require a server restart to apply.")

	default:
		s.sendService(sess, protocol.SeverityWarning, usage)
	}
}

func (s *Server) logCommand(sess *Session, args []string) {
	if len(args) < 3 || args[1] != "level" {
		s.sendService(sess, protocol.SeverityWarning, "Usage: /log level <none|error|warning|info|debug>")
		return
	}

	level, ok := logging.ParseLevel(args[2])
	if !ok {
		s.sendService(sess, protocol.SeverityWarning, "Bad live logging mode set, doing nothing.")
		return
	}

	if s.adminRelayID != 0 && s.adminRelayID != sess.ID {
		if prev, pok := s.sessions[s.adminRelayID]; pok {
			s.sendService(prev, protocol.SeverityWarning, "Another admin takes the live logging to themself!")
		}
	}
	s.adminRelayID = sess.ID

	target := sess
	s.log.SetRelay(func(lv logging.Level, component, message string) {
		sev, code := relaySeverity(lv)
		target.send(protocol.Service(sev, fmt.Sprintf("[%s] %s: %s", code, component, message)))
	})
	s.log.SetRelayLevel(level)

	s.sendService(sess, protocol.SeverityInfo, fmt.Sprintf("Live logging level is set to %s", level))
}

func relaySeverity(lv logging.Level) (protocol.Severity, string) {
	switch lv {
	case logging.LevelError:
		return protocol.SeverityError, "ERR"
	case logging.LevelWarning:
		return protocol.SeverityWarning, "WRN"
	case logging.LevelInfo:
		return protocol.SeverityInfo, "INF"
	default:
		return protocol.SeverityInfo, "DBG"
	}
}

type clientStatsResult struct {
	lines      []string
	duplicates int
}

// clientStats renders the connected client list in session order and
// counts identities connected more than once.
func (s *Server) clientStats() clientStatsResult {
	ids := make([]uint64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[string]bool)
	var res clientStatsResult
	for _, id := range ids {
		c := s.sessions[id]
		switch {
		case c.readonly:
			res.lines = append(res.lines, fmt.Sprintf("%s; UID %s [READONLY]; App %s", c.remoteAddr, c.Hash, c.App))
		case c.Login == "":
			res.lines = append(res.lines, c.remoteAddr+" [INCOMPLETE]")
		default:
			line := fmt.Sprintf("%s (%s); UID %s; App %s", c.Name, c.Login, c.Hash, c.App)
			if seen[c.Login] {
				res.duplicates++
				line += " [DUPLICATE]"
			} else {
				seen[c.Login] = true
			}
			res.lines = append(res.lines, line)
		}
	}
	return res
}

// parseMessageID extracts a message id from admin input, tolerating
// the '>' quote prefix some clients put in front of ids.
func parseMessageID(raw string) int64 {
	raw = strings.ReplaceAll(raw, ">", "")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// trailingText returns everything in raw after the first occurrence of
// marker, trimmed. Used for free-text tails like ban comments and
// config values.
func trailingText(raw, marker string) string {
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(raw[idx+len(marker):])
}
