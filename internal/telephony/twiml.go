package telephony

import (
	"encoding/xml"
	"net/url"
	"sort"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML answers an incoming call by connecting it to a bidirectional
// media stream. params become the stream's custom parameters.
func StreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	st := twimlStream{URL: streamURL}
	for _, k := range names {
		st.Parameters = append(st.Parameters, twimlParam{Name: k, Value: params[k]})
	}
	return marshalTwiML(twimlResponse{Connect: &twimlConnect{Stream: st}})
}

// RejectTwiML speaks a short message and hangs up.
func RejectTwiML(message string) ([]byte, error) {
	return marshalTwiML(twimlResponse{Say: &twimlSay{Text: message}, Hangup: &struct{}{}})
}

func marshalTwiML(r twimlResponse) ([]byte, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}

// MediaURL derives the websocket stream URL from the public base URL.
func MediaURL(publicBase, path string) string {
	u, err := url.Parse(strings.TrimSuffix(publicBase, "/"))
	if err != nil || u.Host == "" {
		return "wss://localhost" + path
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}
