// Package marker encodes control events as inline tokens within a plain
// text stream, so a transport that only carries text (the local/dev
// transport feeding a browser) can interleave prose and structured events
// in one ordered channel.
//
// A token is the NUL sentinel (U+0000), a kind name, a colon, a compact
// JSON payload, and a closing sentinel:
//
//	\x00image:{"url":"https://example.com/a.png"}\x00
//
// U+0000 never occurs in model-generated prose, and encoding/json escapes
// it as \u0000 inside payload strings, so a token can never contain the
// sentinel. Prose that somehow does contain NUL is sanitized to U+FFFD
// before interpolation (see Sanitize), which keeps decoding unambiguous.
//
// Encoding is bit-stable: the same event always produces the same token,
// and Decode(Encode(e)) yields an event equal to e, so any consumer can
// decode the stream deterministically.
package marker

import (
	"encoding/json"
	"strings"

	"goa.design/lexia/runtime/stream"
)

// Sentinel delimits inline control tokens.
const Sentinel = "\x00"

// Marker kind names. These are wire constants: changing one breaks every
// deployed consumer.
const (
	kindLoadingStart = "loading.start"
	kindLoadingEnd   = "loading.end"
	kindImage        = "image"
	kindHTML         = "html"
	kindButton       = "button"
	kindTrace        = "trace"
	kindUsage        = "usage"
)

// Segment is one run of a decoded stream: either plain prose (Text set,
// Event nil) or one control event (Event set, Text empty). Decoded events
// carry a zero Ref; the channel context comes from the stream they were
// read from.
type Segment struct {
	Text  string
	Event stream.Event
}

// EncodeLoadingStart returns the inline token for a loading indicator start.
func EncodeLoadingStart(kind string) string {
	return encode(kindLoadingStart, stream.LoadingPayload{Kind: kind})
}

// EncodeLoadingEnd returns the inline token for a loading indicator end.
func EncodeLoadingEnd(kind string) string {
	return encode(kindLoadingEnd, stream.LoadingPayload{Kind: kind})
}

// EncodeImage returns the inline token for an image.
func EncodeImage(url string) string {
	return encode(kindImage, stream.ImagePayload{URL: url})
}

// EncodeHTML returns the inline token for an HTML fragment.
func EncodeHTML(html string) string {
	return encode(kindHTML, stream.HTMLPayload{HTML: html})
}

// EncodeButton returns the inline token for a button.
func EncodeButton(data stream.ButtonPayload) string {
	return encode(kindButton, data)
}

// EncodeTrace returns the inline token for a trace entry.
func EncodeTrace(data stream.TracePayload) string {
	return encode(kindTrace, data)
}

// EncodeUsage returns the inline token for a usage report.
func EncodeUsage(data stream.UsagePayload) string {
	return encode(kindUsage, data)
}

// Encode returns the text fragment an event contributes to a channel's
// accumulated text: the sanitized prose for deltas, the inline token for
// control events, and "" with ok=false for terminal events (which carry no
// inline representation).
func Encode(event stream.Event) (frag string, ok bool) {
	switch e := event.(type) {
	case stream.Delta:
		return Sanitize(e.Text), true
	case stream.LoadingStart:
		return EncodeLoadingStart(e.Kind), true
	case stream.LoadingEnd:
		return EncodeLoadingEnd(e.Kind), true
	case stream.Image:
		return EncodeImage(e.URL), true
	case stream.HTML:
		return EncodeHTML(e.HTML), true
	case stream.Button:
		return EncodeButton(e.Data), true
	case stream.Trace:
		return EncodeTrace(e.Data), true
	case stream.Usage:
		return EncodeUsage(e.Data), true
	default:
		return "", false
	}
}

// Sanitize replaces any raw NUL in prose with U+FFFD so prose can never
// open or close a token.
func Sanitize(text string) string {
	if !strings.Contains(text, Sentinel) {
		return text
	}
	return strings.ReplaceAll(text, Sentinel, "�")
}

// Decode splits marked-up text into prose runs and control events, in
// order. Malformed tokens (unknown kind, bad JSON, missing closing
// sentinel) degrade to literal text rather than erroring: a consumer must
// never lose prose because of a codec mismatch.
func Decode(text string) []Segment {
	var segs []Segment
	for len(text) > 0 {
		open := strings.Index(text, Sentinel)
		if open < 0 {
			segs = append(segs, Segment{Text: text})
			break
		}
		if open > 0 {
			segs = append(segs, Segment{Text: text[:open]})
		}
		rest := text[open+1:]
		closing := strings.Index(rest, Sentinel)
		if closing < 0 {
			// Unterminated token: emit what remains as literal text.
			segs = append(segs, Segment{Text: rest})
			break
		}
		token := rest[:closing]
		if ev, ok := decodeToken(token); ok {
			segs = append(segs, Segment{Event: ev})
		} else if token != "" {
			segs = append(segs, Segment{Text: token})
		}
		text = rest[closing+1:]
	}
	return segs
}

func encode(kind string, payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		// Payload types are plain structs of scalars; Marshal cannot fail.
		return ""
	}
	return Sentinel + kind + ":" + string(b) + Sentinel
}

func decodeToken(token string) (stream.Event, bool) {
	kind, raw, found := strings.Cut(token, ":")
	if !found {
		return nil, false
	}
	switch kind {
	case kindLoadingStart, kindLoadingEnd:
		var p stream.LoadingPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		if kind == kindLoadingStart {
			return stream.NewLoadingStart(stream.Ref{}, p.Kind), true
		}
		return stream.NewLoadingEnd(stream.Ref{}, p.Kind), true
	case kindImage:
		var p stream.ImagePayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		return stream.NewImage(stream.Ref{}, p.URL), true
	case kindHTML:
		var p stream.HTMLPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		return stream.NewHTML(stream.Ref{}, p.HTML), true
	case kindButton:
		var p stream.ButtonPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		return stream.NewButton(stream.Ref{}, p), true
	case kindTrace:
		var p stream.TracePayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		return stream.NewTrace(stream.Ref{}, p), true
	case kindUsage:
		var p stream.UsagePayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return nil, false
		}
		return stream.NewUsage(stream.Ref{}, p), true
	default:
		return nil, false
	}
}
