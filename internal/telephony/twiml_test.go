package telephony

import (
	"encoding/xml"
	"strings"
	"testing"
)

type twimlDoc struct {
	XMLName xml.Name `xml:"Response"`
	Say     *struct {
		Text string `xml:",chardata"`
	} `xml:"Say"`
	Hangup  *struct{} `xml:"Hangup"`
	Dial    *struct {
		Number string `xml:",chardata"`
	} `xml:"Dial"`
	Connect *struct {
		Stream struct {
			URL        string `xml:"url,attr"`
			Parameters []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

func parseTwiML(t *testing.T, body []byte) twimlDoc {
	t.Helper()
	if !strings.HasPrefix(string(body), "<?xml") {
		t.Errorf("twiml missing xml declaration: %s", body)
	}
	var doc twimlDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("xml.Unmarshal() error = %v in %s", err, body)
	}
	return doc
}

// streamParams flattens the stream parameters in document order.
func (d twimlDoc) streamParams() []string {
	if d.Connect == nil {
		return nil
	}
	var out []string
	for _, p := range d.Connect.Stream.Parameters {
		out = append(out, p.Name+"="+p.Value)
	}
	return out
}

func TestStreamTwiML(t *testing.T) {
	got, err := StreamTwiML("wss://calls.example.com/twilio/stream", map[string]string{
		"customer_phone": "+15551234567",
		"call_sid":       "CA123",
		"call_id":        "",
	})
	if err != nil {
		t.Fatalf("StreamTwiML() error = %v", err)
	}
	doc := parseTwiML(t, got)
	if doc.Connect == nil || doc.Connect.Stream.URL != "wss://calls.example.com/twilio/stream" {
		t.Fatalf("StreamTwiML() = %s", got)
	}
	params := strings.Join(doc.streamParams(), ",")
	if params != "call_sid=CA123,customer_phone=+15551234567" {
		t.Errorf("stream parameters = %s", params)
	}
	if doc.Say != nil || doc.Hangup != nil {
		t.Errorf("stream twiml has extra verbs: %s", got)
	}
}

func TestSayHangupTwiML(t *testing.T) {
	got, err := SayHangupTwiML("Goodbye & thanks")
	if err != nil {
		t.Fatalf("SayHangupTwiML() error = %v", err)
	}
	if !strings.Contains(string(got), "Goodbye &amp; thanks") {
		t.Errorf("message not escaped: %s", got)
	}
	doc := parseTwiML(t, got)
	if doc.Say == nil || doc.Say.Text != "Goodbye & thanks" || doc.Hangup == nil {
		t.Errorf("SayHangupTwiML() = %s", got)
	}
	if strings.Index(string(got), "<Say") > strings.Index(string(got), "<Hangup") {
		t.Errorf("hangup before say: %s", got)
	}
}

func TestDialTwiML(t *testing.T) {
	got, err := DialTwiML("+14155550199")
	if err != nil {
		t.Fatalf("DialTwiML() error = %v", err)
	}
	doc := parseTwiML(t, got)
	if doc.Dial == nil || doc.Dial.Number != "+14155550199" {
		t.Errorf("DialTwiML() = %s", got)
	}
}

func TestStreamURL(t *testing.T) {
	if got := StreamURL("calls.example.com"); got != "wss://calls.example.com/twilio/stream" {
		t.Errorf("StreamURL() = %q", got)
	}
}
