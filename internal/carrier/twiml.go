package carrier

import (
	"fmt"
	"strings"
)

// TwiML builds carrier voice-response markup.
type TwiML struct {
	sb strings.Builder
}

func NewTwiML() *TwiML {
	t := &TwiML{}
	t.sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	return t
}

func (t *TwiML) Say(text, voice, language string) *TwiML {
	t.sb.WriteString("<Say")
	if voice != "" {
		fmt.Fprintf(&t.sb, " voice=\"%s\"", escapeXMLAttr(voice))
	}
	if language != "" {
		fmt.Fprintf(&t.sb, " language=\"%s\"", escapeXMLAttr(language))
	}
	fmt.Fprintf(&t.sb, ">%s</Say>", escapeXML(text))
	return t
}

// GatherOptions configures a Gather speech-capture verb.
type GatherOptions struct {
	Action                string
	Timeout               int
	SpeechTimeout         string
	PartialResultCallback string
	SpeechModel           string
	Language              string
	SayText               string
	Voice                 string
}

func (t *TwiML) Gather(opts GatherOptions) *TwiML {
	t.sb.WriteString(`<Gather input="speech" method="POST" bargeIn="true"`)
	if opts.Action != "" {
		fmt.Fprintf(&t.sb, " action=\"%s\"", escapeXMLAttr(opts.Action))
	}
	if opts.Timeout > 0 {
		fmt.Fprintf(&t.sb, " timeout=\"%d\"", opts.Timeout)
	}
	if opts.SpeechTimeout != "" {
		fmt.Fprintf(&t.sb, " speechTimeout=\"%s\"", escapeXMLAttr(opts.SpeechTimeout))
	}
	if opts.PartialResultCallback != "" {
		fmt.Fprintf(&t.sb, " partialResultCallback=\"%s\"", escapeXMLAttr(opts.PartialResultCallback))
	}
	if opts.SpeechModel != "" {
		fmt.Fprintf(&t.sb, " speechModel=\"%s\"", escapeXMLAttr(opts.SpeechModel))
	}
	if opts.Language != "" {
		fmt.Fprintf(&t.sb, " language=\"%s\"", escapeXMLAttr(opts.Language))
	}
	t.sb.WriteString(">")
	if opts.SayText != "" {
		t.sb.WriteString("<Say")
		if opts.Voice != "" {
			fmt.Fprintf(&t.sb, " voice=\"%s\"", escapeXMLAttr(opts.Voice))
		}
		if opts.Language != "" {
			fmt.Fprintf(&t.sb, " language=\"%s\"", escapeXMLAttr(opts.Language))
		}
		fmt.Fprintf(&t.sb, ">%s</Say>", escapeXML(opts.SayText))
	}
	t.sb.WriteString("</Gather>")
	return t
}

func (t *TwiML) Hangup() *TwiML {
	t.sb.WriteString("<Hangup/>")
	return t
}

func (t *TwiML) Redirect(url string) *TwiML {
	fmt.Fprintf(&t.sb, "<Redirect>%s</Redirect>", escapeXML(url))
	return t
}

func (t *TwiML) PlayDigits(digits string) *TwiML {
	fmt.Fprintf(&t.sb, "<Play digits=\"%s\"/>", escapeXMLAttr(digits))
	return t
}

func (t *TwiML) Pause(seconds int) *TwiML {
	fmt.Fprintf(&t.sb, "<Pause length=\"%d\"/>", seconds)
	return t
}

func (t *TwiML) Build() string {
	return t.sb.String() + "</Response>"
}

// PromptConfig carries the voice settings shared by every rendered prompt.
type PromptConfig struct {
	WebhookURL    string
	Voice         string
	Language      string
	SpeechModel   string
	GatherTimeout int
}

// VoiceResponse speaks text and keeps listening: a Gather with final and
// partial transcript callbacks pointing back at the webhook server.
func VoiceResponse(text string, cfg PromptConfig, speechTimeout string) string {
	return NewTwiML().Gather(GatherOptions{
		Action:                cfg.WebhookURL + "/transcription_callback",
		Timeout:               cfg.GatherTimeout,
		SpeechTimeout:         speechTimeout,
		PartialResultCallback: cfg.WebhookURL + "/partial_callback",
		SpeechModel:           cfg.SpeechModel,
		Language:              cfg.Language,
		SayText:               text,
		Voice:                 cfg.Voice,
	}).Build()
}

// HangupResponse optionally speaks a goodbye, then ends the call.
func HangupResponse(text string, cfg PromptConfig) string {
	t := NewTwiML()
	if text != "" {
		t.Say(text, cfg.Voice, cfg.Language)
	}
	return t.Hangup().Build()
}

// DigitsResponse plays a DTMF code, then keeps listening.
func DigitsResponse(digits string, cfg PromptConfig, speechTimeout string) string {
	return NewTwiML().PlayDigits(digits).Gather(GatherOptions{
		Action:                cfg.WebhookURL + "/transcription_callback",
		Timeout:               cfg.GatherTimeout,
		SpeechTimeout:         speechTimeout,
		PartialResultCallback: cfg.WebhookURL + "/partial_callback",
		SpeechModel:           cfg.SpeechModel,
		Language:              cfg.Language,
	}).Build()
}

// PollResponse optionally speaks accumulated text, pauses briefly, then
// redirects back to the stream-drain endpoint so the spoken response can
// catch up with asynchronously streamed chunks.
func PollResponse(text string, cfg PromptConfig, pauseSeconds int) string {
	t := NewTwiML()
	if text != "" {
		t.Say(text, cfg.Voice, cfg.Language)
	}
	if pauseSeconds > 0 {
		t.Pause(pauseSeconds)
	}
	return t.Redirect(cfg.WebhookURL + "/stream_callback").Build()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func escapeXMLAttr(s string) string {
	s = escapeXML(s)
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
