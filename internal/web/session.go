package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmassist/internal/agent"
)

// SessionCookie 是保存会话 ID 的 Cookie 名称。
const SessionCookie = "pharmassist_session"

// Session 保存单个浏览器会话的凭据与一次性提示。
type Session struct {
	ID          string
	Credentials agent.Credentials
	Flash       string
	Error       string
	LastSeen    time.Time
}

// SessionStore 在进程内保存会话。凭据只存在于内存中，服务重启后需要重新填写。
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionStore 创建会话存储，ttl 小于等于 0 时使用 24 小时。
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{sessions: make(map[string]*Session), ttl: ttl}
}

// Load 返回请求对应的会话，必要时创建新会话并写入 Cookie。返回值是副本。
func (s *SessionStore) Load(w http.ResponseWriter, r *http.Request) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictLocked(now)

	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if session, ok := s.sessions[cookie.Value]; ok {
			session.LastSeen = now
			return *session
		}
	}
	session := &Session{ID: uuid.NewString(), LastSeen: now}
	s.sessions[session.ID] = session
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return *session
}

// Update 在锁内修改会话。
func (s *SessionStore) Update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		fn(session)
	}
}

// TakeFlash 取出并清空一次性提示。
func (s *SessionStore) TakeFlash(id string) (flash, errMsg string) {
	s.Update(id, func(session *Session) {
		flash, errMsg = session.Flash, session.Error
		session.Flash, session.Error = "", ""
	})
	return flash, errMsg
}

func (s *SessionStore) evictLocked(now time.Time) {
	for id, session := range s.sessions {
		if now.Sub(session.LastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
