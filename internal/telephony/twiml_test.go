package telephony

import (
	"strings"
	"testing"
)

func TestRenderSayHangup(t *testing.T) {
	xml, err := NewVoiceResponse().Say("goodbye").Hangup().Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(xml, "<?xml") {
		t.Fatalf("expected xml declaration: %s", xml)
	}
	for _, want := range []string{"<Response>", "<Say>goodbye</Say>", "<Hangup></Hangup>"} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderGatherNested(t *testing.T) {
	g := &Gather{
		Action:              "/twilio/a1/verify",
		ActionOnEmptyResult: true,
		Input:               "speech",
		Hints:               "apple, lemon, lime",
		Timeout:             6,
	}
	g.Say("repeat the words").Play("https://example.com/beep.mp3")

	xml, err := NewVoiceResponse().Gather(g).Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`action="/twilio/a1/verify"`,
		`actionOnEmptyResult="true"`,
		`input="speech"`,
		`hints="apple, lemon, lime"`,
		"<Say>repeat the words</Say>",
		"<Play>https://example.com/beep.mp3</Play>",
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderDialSip(t *testing.T) {
	d := &Dial{Action: "/twilio/a1/call/done", AnswerOnBridge: true, CallerID: "+15550100"}
	d.Sip("sip:a1@example.sip.twilio.com", "/twilio/a1/callback/answered", "answered")

	xml, err := NewVoiceResponse().Dial(d).Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`action="/twilio/a1/call/done"`,
		`answerOnBridge="true"`,
		`callerId="+15550100"`,
		`statusCallback="/twilio/a1/callback/answered"`,
		`statusCallbackEvent="answered"`,
		"sip:a1@example.sip.twilio.com</Sip>",
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderRecordRedirect(t *testing.T) {
	xml, err := NewVoiceResponse().
		Record(Record{Timeout: 5, MaxLength: 120, Action: "/twilio/a1/voicemail"}).
		Redirect("/twilio/a1/completed").
		Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		`timeout="5"`,
		`maxLength="120"`,
		`action="/twilio/a1/voicemail"`,
		"<Redirect>/twilio/a1/completed</Redirect>",
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderOmitsEmptyAttrs(t *testing.T) {
	xml, err := NewVoiceResponse().Pause(0).Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Contains(xml, "length=") {
		t.Fatalf("expected length attr omitted: %s", xml)
	}
}
