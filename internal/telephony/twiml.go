// Package telephony connects the gateway to Twilio: the Media Streams
// WebSocket leg, the voice and status webhooks, and the REST call control
// API.
package telephony

import (
	"fmt"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// MessageUnknownCaller is spoken to callers whose number matches no account.
const MessageUnknownCaller = "We couldn't match your phone number to an account. Please call back from the number on file or contact support."

func render(verbs ...twiml.Element) ([]byte, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return nil, fmt.Errorf("failed to render twiml: %w", err)
	}
	return []byte(doc), nil
}

// StreamTwiML connects the call to the media stream at url. Parameters are
// emitted in key order and empty values are left out.
func StreamTwiML(url string, params map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stream := &twiml.VoiceStream{Url: url}
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}
	return render(&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
}

// SayHangupTwiML speaks message and hangs up.
func SayHangupTwiML(message string) ([]byte, error) {
	return render(&twiml.VoiceSay{Message: message}, &twiml.VoiceHangup{})
}

// DialTwiML redirects the call to number.
func DialTwiML(number string) ([]byte, error) {
	return render(&twiml.VoiceDial{Number: number})
}

// StreamURL is the media stream endpoint on the public host.
func StreamURL(publicHost string) string {
	return "wss://" + publicHost + StreamPath
}
