package telephony

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Response is the voice document returned to the provider. Verbs are
// rendered in order.
type Response struct {
	Verbs []any
}

func (r Response) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start = xml.StartElement{Name: xml.Name{Local: "Response"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range r.Verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr"`
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Prompts   []Say    `xml:"Say"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

const voice = "Polly.Joanna"

func say(format string, args ...any) Say {
	return Say{Voice: voice, Text: fmt.Sprintf(format, args...)}
}

// Render serializes the document with the XML declaration.
func Render(r Response) ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

type SummaryItem struct {
	Name     string
	Quantity int
}

type OrderSummary struct {
	OrderID        string
	RestaurantName string
	CustomerName   string
	Total          decimal.Decimal
	Items          []SummaryItem
}

// OrderScript reads the order and waits for one keypad digit. When the
// window closes without input the provider follows the redirect to
// timeoutURL.
func OrderScript(s OrderSummary, responseURL, timeoutURL string, timeoutSeconds int) Response {
	customer := s.CustomerName
	if customer == "" {
		customer = "a student"
	}

	prompts := []Say{
		say("Hello %s. You have a new Campus Eats order from %s.", s.RestaurantName, customer),
		say("Order number ending in %s. Total %s.", MaskOrderID(s.OrderID), SpokenAmount(s.Total)),
	}
	for _, it := range s.Items {
		prompts = append(prompts, say("%d %s.", it.Quantity, it.Name))
	}
	prompts = append(prompts,
		say("Press 1 to accept the order. Press 2 to reject it. Press 3 to hear the order again. Press 0 for support."))

	return Response{Verbs: []any{
		Gather{
			Input:     "dtmf",
			NumDigits: 1,
			Timeout:   timeoutSeconds,
			Action:    responseURL,
			Method:    "POST",
			Prompts:   prompts,
		},
		Redirect{Method: "POST", URL: timeoutURL},
	}}
}

// Message speaks text and ends the call.
func Message(text string) Response {
	return Response{Verbs: []any{say("%s", text), Hangup{}}}
}

// SupportHandoff tells the caller support is being reached and ends the
// automated session.
func SupportHandoff() Response {
	return Response{Verbs: []any{
		say("Please hold while we connect you to Campus Eats support."),
		Pause{Length: 1},
		Hangup{},
	}}
}

const (
	MsgAccepted     = "Thank you. The order has been accepted and the student has been charged. Goodbye."
	MsgRejected     = "The order has been rejected and the student will be notified. Goodbye."
	MsgAcceptFailed = "The order could not be accepted right now and remains pending. Please use the restaurant dashboard. Goodbye."
	MsgInvalid      = "Sorry, that was not a valid option. The order remains pending. Goodbye."
	MsgTimeout      = "We did not receive a response. The order remains pending. Goodbye."
	MsgNotPending   = "This order has already been handled. Goodbye."
)

// MaskOrderID keeps the last four characters, spaced so they are read out
// one by one.
func MaskOrderID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return strings.Join(strings.Split(strings.ToUpper(id), ""), " ")
}

// SpokenAmount renders 12.5 as "12 dollars and 50 cents".
func SpokenAmount(d decimal.Decimal) string {
	d = d.Round(2)
	dollars := d.IntPart()
	cents := d.Sub(decimal.NewFromInt(dollars)).Shift(2).IntPart()

	unit := "dollars"
	if dollars == 1 {
		unit = "dollar"
	}
	if cents == 0 {
		return fmt.Sprintf("%d %s", dollars, unit)
	}
	return fmt.Sprintf("%d %s and %d cents", dollars, unit, cents)
}
