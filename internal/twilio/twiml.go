package twilio

import "encoding/xml"

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// ConnectStream renders the TwiML that connects the call audio to a Media Stream.
func ConnectStream(streamURL string) ([]byte, error) {
	body, err := xml.Marshal(twimlResponse{Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}}})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
