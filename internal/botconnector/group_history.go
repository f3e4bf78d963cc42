package botconnector

import (
	"fmt"
	"strings"
	"sync"
)

// groupHistory keeps a bounded per-chat ring buffer of recent group
// messages so a triggered reply can be given surrounding context (spec
// §4.5). At most maxMessages are kept per chat; once maxChats distinct
// chats are tracked, the least recently touched chat is evicted.
type groupHistory struct {
	mu          sync.Mutex
	maxMessages int
	maxChats    int
	order       []string // chat IDs, most-recently-touched last
	buffers     map[string][]historyEntry
}

type historyEntry struct {
	sender string
	text   string
}

func newGroupHistory(maxMessages, maxChats int) *groupHistory {
	return &groupHistory{
		maxMessages: maxMessages,
		maxChats:    maxChats,
		buffers:     make(map[string][]historyEntry),
	}
}

// record appends a sanitized message to chatID's buffer, evicting the
// oldest message in that chat (and the oldest chat overall, if the
// tracked-chat cap is exceeded).
func (h *groupHistory) record(chatID, sender, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := historyEntry{sender: sanitizeName(sender), text: sanitizeMessage(text)}

	buf, exists := h.buffers[chatID]
	buf = append(buf, entry)
	if len(buf) > h.maxMessages {
		buf = buf[len(buf)-h.maxMessages:]
	}
	h.buffers[chatID] = buf

	h.touch(chatID, exists)
	h.evictIfNeeded()
}

func (h *groupHistory) touch(chatID string, exists bool) {
	if exists {
		for i, id := range h.order {
			if id == chatID {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	h.order = append(h.order, chatID)
}

func (h *groupHistory) evictIfNeeded() {
	for len(h.order) > h.maxChats {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.buffers, oldest)
	}
}

// format renders chatID's buffer as an XML-tagged block suitable for
// prepending to a prompt, or "" if the chat has no history.
func (h *groupHistory) format(chatID string) string {
	h.mu.Lock()
	buf := append([]historyEntry(nil), h.buffers[chatID]...)
	h.mu.Unlock()

	if len(buf) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<recent_group_messages>\n")
	for _, e := range buf {
		fmt.Fprintf(&b, "<message sender=%q>%s</message>\n", e.sender, e.text)
	}
	b.WriteString("</recent_group_messages>")
	return b.String()
}

const (
	maxSenderNameLen = 50
	maxHistoryMsgLen = 500
)

// sanitizeName strips characters a crafted display name could use to
// break out of the XML-tagged context block, then clips its length.
func sanitizeName(name string) string {
	name = stripInjectionChars(name)
	if len(name) > maxSenderNameLen {
		name = name[:maxSenderNameLen]
	}
	return name
}

// sanitizeMessage applies the same stripping to message bodies, with a
// longer length cap.
func sanitizeMessage(text string) string {
	text = stripInjectionChars(text)
	if len(text) > maxHistoryMsgLen {
		text = text[:maxHistoryMsgLen]
	}
	return text
}

func stripInjectionChars(s string) string {
	replacer := strings.NewReplacer(
		"<", "",
		">", "",
		"[", "",
		"]", "",
		"\n", " ",
		"\r", " ",
	)
	return replacer.Replace(s)
}
