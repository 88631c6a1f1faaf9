package chatsync

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// BuildInput carries everything the timeline builder merges. Rules are
// external inputs, not persisted state; omitting them selects the defaults
// (dedup by id keeping the last occurrence; sort by sequence, createdAt, id
// ascending).
type BuildInput struct {
	Messages   []BaseMessage
	Events     []SystemEvent
	DedupRules []DedupRule
	SortRules  []SortRule

	// Streaming, when set and active, appends a synthetic in-flight message
	// at the tail of the built timeline. It is not subject to dedup or sort.
	Streaming *StreamingState
}


// BuildTimeline merges messages, system events, and any in-flight partial
// content into one ordered, deduplicated sequence for presentation. It is a
// pure function: synchronous, side-effect-free, and safe to call repeatedly;
// callers re-invoke it on every relevant state change.
func BuildTimeline(in BuildInput) []TimelineItem {
	items := make([]TimelineItem, 0, len(in.Messages)+len(in.Events))
	for i := range in.Messages {
		msg := in.Messages[i]
		items = append(items, TimelineItem{ItemType: ItemTypeMessage, Message: &msg})
	}
	for i := range in.Events {
		ev := in.Events[i]
		items = append(items, TimelineItem{ItemType: ItemTypeEvent, Event: &ev})
	}

	dedupRules := in.DedupRules
	if dedupRules == nil {
		dedupRules = []DedupRule{{Field: "id", Strategy: DedupLast}}
	}
	for _, rule := range dedupRules {
		items = dedupItems(items, rule)
	}

	sortRules := in.SortRules
	if sortRules == nil {
		sortRules = []SortRule{
			{Field: "sequence", Direction: SortAsc, Priority: 1},
			{Field: "createdAt", Direction: SortAsc, Priority: 2},
			{Field: "id", Direction: SortAsc, Priority: 3},
		}
	}
	sortItems(items, sortRules)

	if st := in.Streaming; st != nil && st.IsStreaming && len(st.PartialContent) > 0 {
		items = append(items, TimelineItem{
			ItemType: ItemTypeMessage,
			Message: &BaseMessage{
				ID:        "streaming-" + st.SessionID,
				Sender:    "assistant",
				Blocks:    append([]ContentBlock(nil), st.PartialContent...),
				CreatedAt: time.Now(),
				Metadata:  map[string]any{"streaming": true},
			},
		})
	}

	return items
}

// dedupItems applies one rule. Rules compose as a pipeline: the output of one
// is the input of the next, so each rule sees only survivors of the previous
// one. An item whose field does not resolve is never considered a duplicate.
//
// The surviving item keeps the position of the first occurrence of its key;
// the "last" strategy replaces the content at that position.
func dedupItems(items []TimelineItem, rule DedupRule) []TimelineItem {
	if rule.Field == "" {
		return items
	}
	out := make([]TimelineItem, 0, len(items))
	seen := map[string]int{}
	for _, it := range items {
		v, ok := it.Resolve(rule.Field)
		if !ok {
			out = append(out, it)
			continue
		}
		key := fmt.Sprint(v)
		idx, dup := seen[key]
		if !dup {
			seen[key] = len(out)
			out = append(out, it)
			continue
		}
		if rule.Strategy == DedupLast {
			out[idx] = it
		}
	}
	return out
}

func sortItems(items []TimelineItem, rules []SortRule) {
	ordered := append([]SortRule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	// Collator instances keep internal iteration buffers, so each sort gets
	// its own instead of sharing one across goroutines.
	col := collate.New(language.Und)
	sort.SliceStable(items, func(i, j int) bool {
		for _, rule := range ordered {
			c := compareByRule(items[i], items[j], rule, col)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareByRule compares two items under one rule. Missing or nil values sort
// after present ones regardless of direction; only present-vs-present
// comparisons are flipped for descending rules.
func compareByRule(a, b TimelineItem, rule SortRule, col *collate.Collator) int {
	va, oka := a.Resolve(rule.Field)
	vb, okb := b.Resolve(rule.Field)
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return 1
	case !okb:
		return -1
	}
	c := compareValues(va, vb, col)
	if rule.Direction == SortDesc {
		c = -c
	}
	return c
}

func compareValues(a, b any, col *collate.Collator) int {
	if na, aNum := asNumber(a); aNum {
		if nb, bNum := asNumber(b); bNum {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	if ta, aTime := a.(time.Time); aTime {
		if tb, bTime := b.(time.Time); bTime {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			}
			return 0
		}
	}
	return col.CompareString(fmt.Sprint(a), fmt.Sprint(b))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
