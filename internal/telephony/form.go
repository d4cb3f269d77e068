package telephony

import (
	"net/http"
	"strconv"
)

// WebhookForm captures the voice webhook fields the call flow reads. Twilio
// sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it provider-adapter-only; routing decisions are not made here.

type WebhookForm struct {
	CallSid       string
	ParentCallSid string
	CallStatus    string

	SpeechResult   string
	DialCallStatus string

	RecordingURL      string
	RecordingDuration int
}

func ParseWebhookForm(r *http.Request) (WebhookForm, error) {
	if err := r.ParseForm(); err != nil {
		return WebhookForm{}, err
	}
	f := WebhookForm{
		CallSid:        r.PostFormValue("CallSid"),
		ParentCallSid:  r.PostFormValue("ParentCallSid"),
		CallStatus:     r.PostFormValue("CallStatus"),
		SpeechResult:   r.PostFormValue("SpeechResult"),
		DialCallStatus: r.PostFormValue("DialCallStatus"),
		RecordingURL:   r.PostFormValue("RecordingUrl"),
	}
	f.RecordingDuration, _ = strconv.Atoi(r.PostFormValue("RecordingDuration"))
	return f, nil
}
