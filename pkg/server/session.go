package server

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Session is one live client connection. All fields except the
// write-synchronized conn are owned by the dispatch loop; nothing else
// may touch them.
type Session struct {
	ID         uint64
	conn       LineConn
	remoteAddr string

	// Hash is the pseudonymous client identity derived from the
	// remote address. It is stable across reconnects from the same
	// address and safe to show to other users.
	Hash string

	App   string
	Token string
	Login string
	Name  string
	Color string

	apiLevel   int
	authorized bool
	readonly   bool
	admin      bool

	shadowBanned bool

	colorResets    int
	colorResetsMax int

	// pingMisses counts unanswered liveness probes. -1 means the
	// probe is not armed for this session.
	pingMisses        int
	pingMissTolerance int

	initTimer  *time.Timer
	pingTicker *time.Ticker
	pingStop   chan struct{}
}

func newSession(id uint64, conn LineConn, salt, defaultName string, colorResetsMax int, now time.Time) *Session {
	addr := conn.RemoteAddr()
	hash := identityHash(salt, addr)
	return &Session{
		ID:             id,
		conn:           conn,
		remoteAddr:     addr,
		Hash:           hash,
		Name:           defaultName,
		Color:          deriveColor(hash, now),
		apiLevel:       1,
		colorResetsMax: colorResetsMax,
		pingMisses:     -1,
	}
}

// identityHash derives the pseudonymous client identity from the
// remote address, salted on both sides so the address cannot be
// recovered or confirmed by rainbow tables.
func identityHash(salt, addr string) string {
	sum := md5.Sum([]byte(salt + addr + salt))
	return hex.EncodeToString(sum[:])
}

// deriveColor picks the default display color for a client. It folds
// in the current date so colors rotate daily.
func deriveColor(hash string, now time.Time) string {
	sum := md5.Sum([]byte(hash + now.Format("02.01.2006")))
	return hex.EncodeToString(sum[:])[:6]
}

// setAuthorized moves the session into (or out of) the authorized
// state. Authorized and readonly are mutually exclusive.
func (s *Session) setAuthorized(v bool) {
	if v {
		s.readonly = false
		s.stopInitTimer()
	}
	s.authorized = v
}

func (s *Session) setReadonly(v bool) {
	if v {
		s.authorized = false
		s.stopInitTimer()
	}
	s.readonly = v
}

// setAPILevel raises the negotiated API level. Levels never go down.
func (s *Session) setAPILevel(level int) {
	if level > s.apiLevel {
		s.apiLevel = level
	}
}

// resetColor re-rolls the display color, consuming one reset from the
// per-session quota. Reports whether a reset was still available.
func (s *Session) resetColor(now time.Time) bool {
	if s.colorResets >= s.colorResetsMax {
		return false
	}
	sum := md5.Sum([]byte(s.Hash + now.Format("02.01.2006:15:04:05.000")))
	s.Color = hex.EncodeToString(sum[:])[:6]
	s.colorResets++
	return true
}

func (s *Session) stopInitTimer() {
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
}

func (s *Session) stopTimers() {
	s.stopInitTimer()
	if s.pingTicker != nil {
		s.pingTicker.Stop()
		close(s.pingStop)
		s.pingTicker = nil
	}
}

// send writes one line to the client. Write errors are ignored here;
// a dying connection surfaces through its reader goroutine.
func (s *Session) send(line string) {
	_ = s.conn.WriteLine(line)
}
