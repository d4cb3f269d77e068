package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseWebhookForm(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("ParentCallSid", "CA0")
	form.Set("CallStatus", "in-progress")
	form.Set("SpeechResult", "apple lime")
	form.Set("DialCallStatus", "busy")
	form.Set("RecordingUrl", "https://api.twilio.com/recordings/RE1")
	form.Set("RecordingDuration", "42")

	req := httptest.NewRequest(http.MethodPost, "/twilio/outgoing", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseWebhookForm(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.CallSid != "CA1" || f.ParentCallSid != "CA0" || f.CallStatus != "in-progress" {
		t.Fatalf("call fields not parsed: %+v", f)
	}
	if f.SpeechResult != "apple lime" || f.DialCallStatus != "busy" {
		t.Fatalf("dial fields not parsed: %+v", f)
	}
	if f.RecordingURL != "https://api.twilio.com/recordings/RE1" || f.RecordingDuration != 42 {
		t.Fatalf("recording fields not parsed: %+v", f)
	}
}

func TestParseWebhookFormDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/twilio/outgoing", strings.NewReader("RecordingDuration=nope"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseWebhookForm(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.RecordingDuration != 0 {
		t.Fatalf("unparsable duration should read as zero, got %d", f.RecordingDuration)
	}
}
