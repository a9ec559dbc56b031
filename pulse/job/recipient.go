package job

import (
	"encoding/json"
	"maps"
	"net/url"
	"strings"

	"github.com/teranos/pulsed/errors"
)

// RecipientType tags the Recipient variant
type RecipientType string

const (
	RecipientHTTP      RecipientType = "http"
	RecipientSink      RecipientType = "sink"
	RecipientInProcess RecipientType = "in-process"
)

// Recipient is a tagged union of delivery targets. Exactly one variant
// pointer is set and it matches Type.
type Recipient struct {
	Type      RecipientType       `json:"type"`
	HTTP      *HTTPRecipient      `json:"http,omitempty"`
	Sink      *SinkRecipient      `json:"sink,omitempty"`
	InProcess *InProcessRecipient `json:"inProcess,omitempty"`
}

// HTTPRecipient delivers the payload to an HTTP endpoint
type HTTPRecipient struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"` // default POST
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// SinkRecipient publishes an event to an http(s) sink or a redis://host/channel
type SinkRecipient struct {
	SinkURL  string          `json:"sinkUrl"`
	CEType   string          `json:"ceType,omitempty"`
	CESource string          `json:"ceSource,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// InProcessRecipient invokes a handler registered by name in this process
type InProcessRecipient struct {
	Handler string          `json:"handler"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHTTPRecipient builds an HTTP recipient
func NewHTTPRecipient(rawURL, method string, payload json.RawMessage) Recipient {
	return Recipient{Type: RecipientHTTP, HTTP: &HTTPRecipient{URL: rawURL, Method: method, Payload: payload}}
}

// NewSinkRecipient builds a sink recipient
func NewSinkRecipient(sinkURL, ceType string, payload json.RawMessage) Recipient {
	return Recipient{Type: RecipientSink, Sink: &SinkRecipient{SinkURL: sinkURL, CEType: ceType, Payload: payload}}
}

// NewInProcessRecipient builds an in-process recipient
func NewInProcessRecipient(handler string, payload json.RawMessage) Recipient {
	return Recipient{Type: RecipientInProcess, InProcess: &InProcessRecipient{Handler: handler, Payload: payload}}
}

// Validate checks the union is well formed and its target is usable
func (r Recipient) Validate() error {
	set := 0
	for _, p := range []bool{r.HTTP != nil, r.Sink != nil, r.InProcess != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return errors.NewInvalidRequestError("recipient must set exactly one variant, got %d", set)
	}

	switch r.Type {
	case RecipientHTTP:
		if r.HTTP == nil {
			return errors.NewInvalidRequestError("recipient type %s without http descriptor", r.Type)
		}
		if err := validateURL(r.HTTP.URL, "http", "https"); err != nil {
			return err
		}
		switch strings.ToUpper(r.HTTP.Method) {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return errors.NewInvalidRequestError("unsupported http method %q", r.HTTP.Method)
		}
	case RecipientSink:
		if r.Sink == nil {
			return errors.NewInvalidRequestError("recipient type %s without sink descriptor", r.Type)
		}
		if err := validateURL(r.Sink.SinkURL, "http", "https", "redis"); err != nil {
			return err
		}
	case RecipientInProcess:
		if r.InProcess == nil {
			return errors.NewInvalidRequestError("recipient type %s without in-process descriptor", r.Type)
		}
		if strings.TrimSpace(r.InProcess.Handler) == "" {
			return errors.NewInvalidRequestError("in-process recipient requires a handler name")
		}
	default:
		return errors.NewInvalidRequestError("unknown recipient type %q", r.Type)
	}
	return nil
}

// Target is a short human-readable destination for logs and tables
func (r Recipient) Target() string {
	switch {
	case r.HTTP != nil:
		return r.HTTP.URL
	case r.Sink != nil:
		return r.Sink.SinkURL
	case r.InProcess != nil:
		return r.InProcess.Handler
	default:
		return ""
	}
}

// Clone deep-copies the variant
func (r Recipient) Clone() Recipient {
	c := Recipient{Type: r.Type}
	if r.HTTP != nil {
		h := *r.HTTP
		h.Headers = maps.Clone(r.HTTP.Headers)
		h.QueryParams = maps.Clone(r.HTTP.QueryParams)
		h.Payload = cloneRaw(r.HTTP.Payload)
		c.HTTP = &h
	}
	if r.Sink != nil {
		s := *r.Sink
		s.Payload = cloneRaw(r.Sink.Payload)
		c.Sink = &s
	}
	if r.InProcess != nil {
		p := *r.InProcess
		p.Payload = cloneRaw(r.InProcess.Payload)
		c.InProcess = &p
	}
	return c
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.NewInvalidRequestError("recipient url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.NewInvalidRequestError("invalid recipient url %q: %v", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return errors.NewInvalidRequestError("recipient url %q must be absolute with scheme %s", raw, strings.Join(schemes, "|"))
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
