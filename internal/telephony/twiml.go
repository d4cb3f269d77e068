package telephony

import (
	"bytes"
	"encoding/xml"
)

// Minimal TwiML document builder over encoding/xml.
// It intentionally avoids any provider SDK dependency.
//
// Only the verbs this workflow emits are modeled. Handlers compose a
// VoiceResponse imperatively and render it once at the end of the request.

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type Record struct {
	XMLName                 xml.Name `xml:"Record"`
	Timeout                 int      `xml:"timeout,attr,omitempty"`
	MaxLength               int      `xml:"maxLength,attr,omitempty"`
	Action                  string   `xml:"action,attr,omitempty"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

// Gather collects speech (or digits) and posts the result to Action. Nested
// verbs play while listening.
type Gather struct {
	XMLName             xml.Name `xml:"Gather"`
	Action              string   `xml:"action,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
	Input               string   `xml:"input,attr,omitempty"`
	Hints               string   `xml:"hints,attr,omitempty"`
	SpeechModel         string   `xml:"speechModel,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	MaxSpeechTime       int      `xml:"maxSpeechTime,attr,omitempty"`
	Nested              []any    `xml:",any"`
}

func (g *Gather) Say(text string) *Gather {
	g.Nested = append(g.Nested, Say{Text: text})
	return g
}

func (g *Gather) Play(url string) *Gather {
	g.Nested = append(g.Nested, Play{URL: url})
	return g
}

// Dial bridges the call to a nested Sip or Number target and posts the
// outcome to Action when the dialed leg ends.
type Dial struct {
	XMLName        xml.Name `xml:"Dial"`
	Action         string   `xml:"action,attr,omitempty"`
	AnswerOnBridge bool     `xml:"answerOnBridge,attr,omitempty"`
	CallerID       string   `xml:"callerId,attr,omitempty"`
	Nested         []any    `xml:",any"`
}

type Sip struct {
	XMLName             xml.Name `xml:"Sip"`
	StatusCallback      string   `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent string   `xml:"statusCallbackEvent,attr,omitempty"`
	URI                 string   `xml:",chardata"`
}

type Number struct {
	XMLName xml.Name `xml:"Number"`
	Digits  string   `xml:",chardata"`
}

func (d *Dial) Sip(uri, statusCallback, events string) *Dial {
	d.Nested = append(d.Nested, Sip{URI: uri, StatusCallback: statusCallback, StatusCallbackEvent: events})
	return d
}

func (d *Dial) Number(digits string) *Dial {
	d.Nested = append(d.Nested, Number{Digits: digits})
	return d
}

// VoiceResponse is one <Response> document.
type VoiceResponse struct {
	verbs []any
}

func NewVoiceResponse() *VoiceResponse { return &VoiceResponse{} }

func (v *VoiceResponse) Say(text string) *VoiceResponse {
	v.verbs = append(v.verbs, Say{Text: text})
	return v
}

func (v *VoiceResponse) Play(url string) *VoiceResponse {
	v.verbs = append(v.verbs, Play{URL: url})
	return v
}

func (v *VoiceResponse) Pause(seconds int) *VoiceResponse {
	v.verbs = append(v.verbs, Pause{Length: seconds})
	return v
}

func (v *VoiceResponse) Redirect(url string) *VoiceResponse {
	v.verbs = append(v.verbs, Redirect{URL: url})
	return v
}

func (v *VoiceResponse) Hangup() *VoiceResponse {
	v.verbs = append(v.verbs, Hangup{})
	return v
}

func (v *VoiceResponse) Record(r Record) *VoiceResponse {
	v.verbs = append(v.verbs, r)
	return v
}

func (v *VoiceResponse) Gather(g *Gather) *VoiceResponse {
	v.verbs = append(v.verbs, *g)
	return v
}

func (v *VoiceResponse) Dial(d *Dial) *VoiceResponse {
	v.verbs = append(v.verbs, *d)
	return v
}

type responseDoc struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

// Render serializes the document with the XML header Twilio expects.
func (v *VoiceResponse) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(responseDoc{Verbs: v.verbs}); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
