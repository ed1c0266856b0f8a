package prompt

import (
	"sort"
	"strings"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/message"
)

// Assemble orders the components by priority descending (stable within a
// priority), estimates their token cost, and flattens them into the message
// sequence for the model. When the total exceeds the budget the
// lowest-priority truncatable component is elided first, then the next, until
// the sequence fits. If only non-truncatable content remains over budget the
// call fails with a BudgetExceeded fault. Input components are not modified.
func (a *Assembler) Assemble(components ...Component) ([]*message.Message, error) {
	ordered := make([]Component, len(components))
	copy(ordered, components)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	costs := make([]int, len(ordered))
	total := 0
	for i, c := range ordered {
		costs[i] = a.componentCost(c)
		total += costs[i]
	}

	if total > a.budget {
		for i := len(ordered) - 1; i >= 0 && total > a.budget; i-- {
			if !ordered[i].Truncatable {
				continue
			}
			target := costs[i] - (total - a.budget)
			if target < 0 {
				target = 0
			}
			shrunk := a.shrink(ordered[i], target)
			cost := a.componentCost(shrunk)
			if cost >= costs[i] {
				continue
			}
			total -= costs[i] - cost
			ordered[i] = shrunk
			costs[i] = cost
		}
		if total > a.budget {
			return nil, fault.Errorf(fault.BudgetExceeded,
				"context requires ~%d tokens, budget is %d", total, a.budget)
		}
	}

	out := make([]*message.Message, 0, len(ordered))
	for _, c := range ordered {
		out = append(out, a.realize(c)...)
	}
	return out, nil
}

// componentCost estimates the token cost of a component as realized.
func (a *Assembler) componentCost(c Component) int {
	if len(c.Messages) > 0 {
		total := 0
		for _, m := range c.Messages {
			total += a.messageCost(m)
		}
		return total
	}
	if c.Text == "" {
		return 0
	}
	return a.estimate(c.Text) + messageOverheadTokens
}

func (a *Assembler) messageCost(m *message.Message) int {
	return a.estimate(m.Text()) + messageOverheadTokens
}

// shrink returns a copy of the component elided to fit target tokens, or as
// close as the component's floor allows. Text keeps its head and tail around
// a marker; message sequences keep the first and last message and as many of
// the most recent middle messages as fit.
func (a *Assembler) shrink(c Component, target int) Component {
	if len(c.Messages) > 0 {
		c.Messages = a.elideMessages(c.Name, c.Messages, target)
		return c
	}
	c.Text = a.elideText(c.Text, target-messageOverheadTokens)
	return c
}

func (a *Assembler) elideText(text string, target int) string {
	if target < 0 {
		target = 0
	}
	if a.estimate(text) <= target {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.estimate(composeElided(runes, mid, a.marker)) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return composeElided(runes, lo, a.marker)
}

// composeElided keeps the first ceil(keep/2) and last floor(keep/2) runes
// around the marker.
func composeElided(runes []rune, keep int, marker string) string {
	if keep <= 0 {
		return marker
	}
	if keep >= len(runes) {
		return string(runes)
	}
	head := (keep + 1) / 2
	tail := keep - head
	var b strings.Builder
	b.WriteString(string(runes[:head]))
	b.WriteString(marker)
	if tail > 0 {
		b.WriteString(string(runes[len(runes)-tail:]))
	}
	return b.String()
}

func (a *Assembler) elideMessages(name string, msgs []*message.Message, target int) []*message.Message {
	total := 0
	for _, m := range msgs {
		total += a.messageCost(m)
	}
	if total <= target || len(msgs) <= 2 {
		return msgs
	}

	first, last := msgs[0], msgs[len(msgs)-1]
	middle := msgs[1 : len(msgs)-1]
	markerCost := a.estimate(a.marker) + messageOverheadTokens

	room := target - a.messageCost(first) - a.messageCost(last) - markerCost
	keepFrom := len(middle)
	for i := len(middle) - 1; i >= 0; i-- {
		cost := a.messageCost(middle[i])
		if cost > room {
			break
		}
		room -= cost
		keepFrom = i
	}
	if keepFrom == 0 {
		return msgs
	}

	out := make([]*message.Message, 0, len(middle)-keepFrom+3)
	out = append(out, first)
	out = append(out, message.New(message.RoleSystem, a.marker,
		message.WithName(name),
		message.WithMetadataValue("elided_messages", keepFrom),
	))
	out = append(out, middle[keepFrom:]...)
	out = append(out, last)
	return out
}

// realize flattens a component into its messages. Text components become a
// single message carrying the component name; empty components vanish.
func (a *Assembler) realize(c Component) []*message.Message {
	if len(c.Messages) > 0 {
		return c.Messages
	}
	if c.Text == "" {
		return nil
	}
	role := c.Role
	if role == "" {
		role = message.RoleSystem
	}
	return []*message.Message{message.New(role, c.Text, message.WithName(c.Name))}
}
