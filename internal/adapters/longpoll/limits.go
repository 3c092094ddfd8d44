package longpoll

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// pollLimiter caps concurrently parked GET polls, globally and per client.
type pollLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

// newPollLimiter returns nil (no cap) when maxGlobal is not positive.
func newPollLimiter(maxGlobal, maxPerClient int) *pollLimiter {
	if maxGlobal <= 0 {
		return nil
	}
	if maxPerClient <= 0 {
		maxPerClient = maxGlobal
	}
	return &pollLimiter{
		maxGlobal:    maxGlobal,
		maxPerClient: maxPerClient,
		byClient:     make(map[string]int),
	}
}

func (l *pollLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal || l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.global > 0 {
				l.global--
			}
			next := l.byClient[clientKey] - 1
			if next <= 0 {
				delete(l.byClient, clientKey)
				return
			}
			l.byClient[clientKey] = next
		})
	}, true
}

func (l *pollLimiter) inFlight() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// clientKey identifies the caller for rate limiting: the session when the
// token verified, the remote host otherwise.
func clientKey(r *http.Request, sessionID string) string {
	if strings.TrimSpace(sessionID) != "" {
		return "session:" + sessionID
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
