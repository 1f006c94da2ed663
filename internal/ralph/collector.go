package ralph

import (
	"fmt"
	"strings"
	"sync"
)

// Collector accumulates assistant-authored text for completion-marker
// checks. Parts are keyed by id, so streamed partial updates replace earlier
// text instead of appending to it. A part can arrive before its message's
// role is known; such parts are held back and resolved once the role shows
// up, and parts of non-assistant messages are discarded. Safe for use from
// multiple goroutines.
type Collector struct {
	mu      sync.Mutex
	roles   map[string]string
	order   []string
	parts   map[string]*collectedPart
	pending map[string][]pendingPart
	anonSeq int
}

type collectedPart struct {
	text      string
	reasoning bool
}

type pendingPart struct {
	id        string
	text      string
	reasoning bool
}

// NewCollector returns an empty collector, typically one per iteration.
func NewCollector() *Collector {
	return &Collector{
		roles:   make(map[string]string),
		parts:   make(map[string]*collectedPart),
		pending: make(map[string][]pendingPart),
	}
}

// SetRole records a message's role and resolves parts held for it: assistant
// parts are admitted, everything else is dropped.
func (c *Collector) SetRole(messageID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roles[messageID] = role
	held := c.pending[messageID]
	delete(c.pending, messageID)

	if role != "assistant" {
		return
	}
	for _, p := range held {
		c.applyLocked(p.id, p.text, p.reasoning)
	}
}

// AddPart records the latest text of one message part. The text participates
// in marker detection once the owning message is known to be assistant.
func (c *Collector) AddPart(messageID, partID, text string) {
	c.add(messageID, partID, text, false)
}

// AddReasoning records reasoning text. It surfaces through Finalized but is
// never scanned for the marker.
func (c *Collector) AddReasoning(messageID, partID, text string) {
	c.add(messageID, partID, text, true)
}

func (c *Collector) add(messageID, partID, text string, reasoning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	role, known := c.roles[messageID]
	if !known {
		c.pending[messageID] = append(c.pending[messageID], pendingPart{id: partID, text: text, reasoning: reasoning})
		return
	}
	if role != "assistant" {
		return
	}
	c.applyLocked(partID, text, reasoning)
}

func (c *Collector) applyLocked(partID, text string, reasoning bool) {
	if partID == "" {
		c.anonSeq++
		partID = fmt.Sprintf("part_%d", c.anonSeq)
	}
	if existing, ok := c.parts[partID]; ok {
		existing.text = text
		return
	}
	c.order = append(c.order, partID)
	c.parts[partID] = &collectedPart{text: text, reasoning: reasoning}
}

// Text returns the accumulated assistant text, parts joined in first-seen
// order. Reasoning parts are excluded.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, id := range c.order {
		if p := c.parts[id]; !p.reasoning && p.text != "" {
			out = append(out, p.text)
		}
	}
	return strings.Join(out, "\n")
}

// Finalized returns every admitted part's final text (reasoning included) in
// first-seen order, for surfacing once a turn has settled.
func (c *Collector) Finalized() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, id := range c.order {
		if p := c.parts[id]; p.text != "" {
			out = append(out, p.text)
		}
	}
	return out
}
