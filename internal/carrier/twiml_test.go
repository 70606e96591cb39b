package carrier

import (
	"strings"
	"testing"
)

var testPrompt = PromptConfig{
	WebhookURL:    "https://bridge.example.com/twilio",
	Voice:         "Polly.Salli",
	Language:      "en-US",
	SpeechModel:   "googlev2_telephony",
	GatherTimeout: 10,
}

func TestVoiceResponseContainsGatherAndCallbacks(t *testing.T) {
	got := VoiceResponse("It's sunny.", testPrompt, "auto")
	for _, want := range []string{
		`<Gather input="speech"`,
		`action="https://bridge.example.com/twilio/transcription_callback"`,
		`partialResultCallback="https://bridge.example.com/twilio/partial_callback"`,
		`speechModel="googlev2_telephony"`,
		`<Say voice="Polly.Salli" language="en-US">It's sunny.</Say>`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("response missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<Hangup/>") {
		t.Fatalf("voice response must keep listening, got hangup:\n%s", got)
	}
}

func TestHangupResponseSpeaksThenHangsUp(t *testing.T) {
	got := HangupResponse("Goodbye.", testPrompt)
	sayIdx := strings.Index(got, "<Say")
	hangIdx := strings.Index(got, "<Hangup/>")
	if sayIdx < 0 || hangIdx < 0 || sayIdx > hangIdx {
		t.Fatalf("want say before hangup:\n%s", got)
	}

	silent := HangupResponse("", testPrompt)
	if strings.Contains(silent, "<Say") {
		t.Fatalf("empty text should not produce a Say verb:\n%s", silent)
	}
}

func TestDigitsResponsePlaysCode(t *testing.T) {
	got := DigitsResponse("1234#", testPrompt, "auto")
	if !strings.Contains(got, `<Play digits="1234#"/>`) {
		t.Fatalf("missing Play verb:\n%s", got)
	}
	if !strings.Contains(got, "<Gather") {
		t.Fatalf("digits response should keep listening:\n%s", got)
	}
}

func TestPollResponseRedirectsToStreamCallback(t *testing.T) {
	got := PollResponse("First chunk.", testPrompt, 1)
	for _, want := range []string{
		"<Say", "First chunk.", `<Pause length="1"/>`,
		"<Redirect>https://bridge.example.com/twilio/stream_callback</Redirect>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("poll response missing %q:\n%s", want, got)
		}
	}
}

func TestXMLEscaping(t *testing.T) {
	got := NewTwiML().Say(`Tom & Jerry say "hi" <now>`, "", "").Build()
	if !strings.Contains(got, "Tom &amp; Jerry say \"hi\" &lt;now&gt;") {
		t.Fatalf("text escaping wrong:\n%s", got)
	}
	attr := NewTwiML().PlayDigits(`1"2`).Build()
	if !strings.Contains(attr, "1&quot;2") {
		t.Fatalf("attribute escaping wrong:\n%s", attr)
	}
}
