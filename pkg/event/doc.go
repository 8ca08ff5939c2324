// Package event defines the event templates and signed-event helpers used by
// the herald publication pipeline.
//
// # Overview
//
// A Template is the immutable description of an event a caller wants to
// publish: a numeric kind, an ordered list of tags and a content string.
// Templates may carry placeholder tokens (for example "${eventId}") that are
// substituted right before signing. The pipeline never mutates a caller's
// template; Build always works on a deep copy.
//
// Signed events are represented by nostr.Event from go-nostr. Encode and
// Decode are the wire codec used by the relay transport: a decoded event must
// carry the id derived from its content, so encode followed by decode always
// round-trips identically.
//
// # Usage Example
//
//	tmpl := &event.Template{
//		Kind:    1111,
//		Content: "hi ${content}",
//		Tags:    [][]string{{"e", "${eventId}"}},
//	}
//
//	ev := event.Build(tmpl, event.Placeholders{
//		"${content}": "there",
//		"${eventId}": "deadbeef",
//	}, time.Now())
//	// ev.Content == "hi there", ev.Tags[0] == nostr.Tag{"e", "deadbeef"}
package event
