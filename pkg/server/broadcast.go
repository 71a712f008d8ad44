package server

import (
	"net"

	"github.com/asterleen/airin/pkg/protocol"
)

// broadcast fans a line out to every session that finished init.
// minLevel > 0 restricts delivery to clients at that API level or
// above.
func (s *Server) broadcast(line string, minLevel int) {
	s.log.Debug("serv", "Broadcast for %d clients: %s", len(s.sessions), line)
	for _, sess := range s.sessions {
		if !sess.authorized && !sess.readonly {
			continue
		}
		if minLevel > 0 && sess.apiLevel < minLevel {
			continue
		}
		sess.send(line)
	}
}

// broadcastToIdentity delivers a line to every session of one external
// identity, init state notwithstanding. This is how a shadowbanned
// author keeps seeing their own messages.
func (s *Server) broadcastToIdentity(login, line string) {
	if login == "" {
		return
	}
	s.log.Debug("serv", "Identity broadcast for %s: %s", login, line)
	for _, sess := range s.sessions {
		if sess.Login == login {
			sess.send(line)
		}
	}
}

// serviceBroadcast sends a SERVICE notification to every session, or
// only to sessions of one identity when login is non-empty.
func (s *Server) serviceBroadcast(sev protocol.Severity, text, login string) {
	for _, sess := range s.sessions {
		if login != "" && sess.Login != login {
			continue
		}
		s.sendService(sess, sev, text)
	}
}

func (s *Server) disconnectWhere(match func(*Session) bool) int {
	var ids []uint64
	for id, sess := range s.sessions {
		if match(sess) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.removeSession(id)
	}
	return len(ids)
}

func (s *Server) disconnectByLogin(login string) int {
	return s.disconnectWhere(func(c *Session) bool { return c.Login == login })
}

func (s *Server) disconnectByHash(hash string) int {
	return s.disconnectWhere(func(c *Session) bool { return c.Hash == hash })
}

func (s *Server) disconnectByAddr(addr string) int {
	return s.disconnectWhere(func(c *Session) bool { return hostOf(c.remoteAddr) == addr })
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// setShadowbanned flips the shadowban flag on every live session of an
// identity so moderation applies without waiting for a reconnect.
func (s *Server) setShadowbanned(login string, banned bool) {
	s.log.Debug("serv", "Setting shadowban=%v for %s", banned, login)
	for _, sess := range s.sessions {
		if sess.Login == login {
			sess.shadowBanned = banned
		}
	}
}
