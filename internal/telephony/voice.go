package telephony

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
)

// Voice response document served from the answer URL. The provider executes
// it top to bottom: speak the greeting, then dial the media bridge over SIP.

type voiceResponse struct {
	XMLName xml.Name  `xml:"Response"`
	Say     *voiceSay `xml:"Say,omitempty"`
	Dial    voiceDial `xml:"Dial"`
}

type voiceSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type voiceDial struct {
	AnswerOnBridge bool   `xml:"answerOnBridge,attr"`
	Sip            string `xml:"Sip"`
}

// BridgeURI builds the SIP URI the provider dials. callSid and patientId
// ride along as URI parameters so the bridge can correlate the INVITE with
// the conversation without provider round trips.
func BridgeURI(sipHost string, sipPort int, callSid string, patientID int64) string {
	return fmt.Sprintf("sip:carecall@%s:%d;callSid=%s;patientId=%d",
		sipHost, sipPort, url.QueryEscape(callSid), patientID)
}

// VoiceDocument renders the answer document. greeting may be empty, in which
// case the call bridges straight to the AI session.
func VoiceDocument(greeting, bridgeURI string) ([]byte, error) {
	doc := voiceResponse{
		Dial: voiceDial{AnswerOnBridge: true, Sip: bridgeURI},
	}
	if greeting != "" {
		doc.Say = &voiceSay{Text: greeting}
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling voice document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseBridgeURI extracts the callSid and patientId parameters from a SIP
// URI built by BridgeURI. The bridge calls this on inbound INVITEs.
func ParseBridgeURI(params map[string]string) (callSid string, patientID int64, err error) {
	raw, ok := params["callSid"]
	if !ok || raw == "" {
		return "", 0, fmt.Errorf("missing callSid uri parameter")
	}
	callSid, err = url.QueryUnescape(raw)
	if err != nil {
		return "", 0, fmt.Errorf("decoding callSid: %w", err)
	}
	idStr, ok := params["patientId"]
	if !ok {
		return "", 0, fmt.Errorf("missing patientId uri parameter")
	}
	patientID, err = strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("parsing patientId: %w", err)
	}
	return callSid, patientID, nil
}
