package ircchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/you/chatwarden/internal/core"
)

// parsePrivmsg extracts a normalized event from one tagged PRIVMSG line.
// Lines for other channels or other verbs are skipped without error.
func parsePrivmsg(line, channel, creatorID string) (core.ChatEvent, bool) {
	rest := line
	tags := map[string]string{}

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return core.ChatEvent{}, false
		}
		tagPart := rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
		for _, kv := range strings.Split(tagPart, ";") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, "=", 2)
			key := parts[0]
			val := ""
			if len(parts) == 2 {
				val = unescapeIRC(parts[1])
			}
			tags[key] = val
		}
	}

	if !strings.HasPrefix(rest, ":") {
		return core.ChatEvent{}, false
	}
	rest = rest[1:]

	idx := strings.Index(rest, " ")
	if idx == -1 {
		return core.ChatEvent{}, false
	}
	prefix := rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])

	if !strings.HasPrefix(strings.ToUpper(rest), "PRIVMSG #") {
		return core.ChatEvent{}, false
	}
	rest = rest[len("PRIVMSG #"):]

	idx = strings.Index(rest, " ")
	if idx == -1 {
		return core.ChatEvent{}, false
	}
	chanName := rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])
	if !strings.EqualFold(chanName, channel) {
		return core.ChatEvent{}, false
	}

	if !strings.HasPrefix(rest, ":") {
		return core.ChatEvent{}, false
	}
	text := rest[1:]

	login := extractUser(prefix)
	display := tags["display-name"]
	if display == "" {
		display = login
	}

	userID := tags["user-id"]
	if userID == "" {
		userID = login
	}

	received := time.Now().UTC()

	id := tags["id"]
	if id == "" {
		id = fmt.Sprintf("%s-%d", login, received.UnixNano())
	}

	return core.ChatEvent{
		Platform:   core.PlatformTwitch,
		CreatorID:  creatorID,
		UserID:     userID,
		Username:   display,
		Text:       text,
		MessageID:  id,
		ReceivedAt: received,
	}, true
}

func extractUser(prefix string) string {
	if strings.HasPrefix(prefix, ":") {
		prefix = prefix[1:]
	}
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
