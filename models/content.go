package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ContentKind is the discriminator written alongside every message body.
type ContentKind string

const (
	KindText           ContentKind = "text"
	KindImage          ContentKind = "image"
	KindFile           ContentKind = "file"
	KindVoice          ContentKind = "voice"
	KindLocation       ContentKind = "location"
	KindContact        ContentKind = "contact"
	KindTransaction    ContentKind = "transaction"
	KindSystem         ContentKind = "system"
	KindPaymentRequest ContentKind = "payment_request"
	KindEncrypted      ContentKind = "encrypted"
)

// ErrMissingContentKind indicates a content payload without a "type" field.
var ErrMissingContentKind = errors.New("models: content type is required")

// Body is implemented by every message content variant.
type Body interface {
	Kind() ContentKind
	// Preview is the short text shown in conversation lists.
	Preview() string
}

var (
	registryMu sync.RWMutex
	registry   = map[ContentKind]func() Body{}
)

// RegisterContent makes a content variant decodable. Registering a kind twice
// replaces the previous constructor.
func RegisterContent(kind ContentKind, factory func() Body) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

func init() {
	RegisterContent(KindText, func() Body { return &TextBody{} })
	RegisterContent(KindImage, func() Body { return &ImageBody{} })
	RegisterContent(KindFile, func() Body { return &FileBody{} })
	RegisterContent(KindVoice, func() Body { return &VoiceBody{} })
	RegisterContent(KindLocation, func() Body { return &LocationBody{} })
	RegisterContent(KindContact, func() Body { return &ContactBody{} })
	RegisterContent(KindTransaction, func() Body { return &TransactionBody{} })
	RegisterContent(KindSystem, func() Body { return &SystemBody{} })
	RegisterContent(KindPaymentRequest, func() Body { return &PaymentRequestBody{} })
	RegisterContent(KindEncrypted, func() Body { return &EncryptedBody{} })
}

// Content wraps a Body so the discriminator survives JSON round trips.
//
// Wire form: {"type":"text","data":{"text":"hi"}}.
type Content struct {
	Body
}

type contentWire struct {
	Type ContentKind     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the discriminator and the variant payload.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Body == nil {
		return []byte("null"), nil
	}
	if unknown, ok := c.Body.(UnknownBody); ok {
		return json.Marshal(contentWire{Type: unknown.Type, Data: unknown.Raw})
	}

	data, err := json.Marshal(c.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", c.Body.Kind(), err)
	}
	return json.Marshal(contentWire{Type: c.Body.Kind(), Data: data})
}

// UnmarshalJSON decodes the variant named by "type". Unregistered kinds decode
// into UnknownBody with the raw payload preserved.
func (c *Content) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		c.Body = nil
		return nil
	}

	var wire contentWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode content envelope: %w", err)
	}
	if wire.Type == "" {
		return ErrMissingContentKind
	}

	registryMu.RLock()
	factory, ok := registry[wire.Type]
	registryMu.RUnlock()
	if !ok {
		c.Body = UnknownBody{Type: wire.Type, Raw: append(json.RawMessage(nil), wire.Data...)}
		return nil
	}

	body := factory()
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, body); err != nil {
			return fmt.Errorf("decode %s content: %w", wire.Type, err)
		}
	}
	c.Body = deref(body)
	return nil
}

// deref stores value variants so equality checks compare payloads, not pointers.
func deref(body Body) Body {
	switch v := body.(type) {
	case *TextBody:
		return *v
	case *ImageBody:
		return *v
	case *FileBody:
		return *v
	case *VoiceBody:
		return *v
	case *LocationBody:
		return *v
	case *ContactBody:
		return *v
	case *TransactionBody:
		return *v
	case *SystemBody:
		return *v
	case *PaymentRequestBody:
		return *v
	case *EncryptedBody:
		return *v
	default:
		return body
	}
}

// Kind returns the wrapped discriminator, or "" for empty content.
func (c Content) Kind() ContentKind {
	if c.Body == nil {
		return ""
	}
	return c.Body.Kind()
}

// Preview returns the list preview for the wrapped body.
func (c Content) Preview() string {
	if c.Body == nil {
		return ""
	}
	return c.Body.Preview()
}

// IsZero reports whether no body is set.
func (c Content) IsZero() bool { return c.Body == nil }

// Text builds plain text content.
func Text(text string) Content { return Content{TextBody{Text: text}} }

// System builds a system notice.
func System(text string) Content { return Content{SystemBody{Text: text}} }

// TextBody is a plain text message.
type TextBody struct {
	Text string `json:"text"`
}

func (TextBody) Kind() ContentKind  { return KindText }
func (b TextBody) Preview() string { return b.Text }

// ImageBody references an uploaded image.
type ImageBody struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func (ImageBody) Kind() ContentKind { return KindImage }
func (b ImageBody) Preview() string {
	if b.Caption != "" {
		return "Photo: " + b.Caption
	}
	return "Photo"
}

// FileBody references an uploaded file.
type FileBody struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

func (FileBody) Kind() ContentKind  { return KindFile }
func (b FileBody) Preview() string { return "File: " + b.Name }

// VoiceBody references a recorded voice note.
type VoiceBody struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"duration_ms"`
}

func (VoiceBody) Kind() ContentKind { return KindVoice }
func (VoiceBody) Preview() string   { return "Voice message" }

// LocationBody is a shared map location.
type LocationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

func (LocationBody) Kind() ContentKind { return KindLocation }
func (b LocationBody) Preview() string {
	if b.Label != "" {
		return "Location: " + b.Label
	}
	return "Location"
}

// ContactBody shares another user's handle.
type ContactBody struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
}

func (ContactBody) Kind() ContentKind  { return KindContact }
func (b ContactBody) Preview() string { return "Contact: @" + b.Handle }

// TransactionBody announces a completed on-chain transfer.
type TransactionBody struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Memo      string `json:"memo,omitempty"`
}

func (TransactionBody) Kind() ContentKind  { return KindTransaction }
func (b TransactionBody) Preview() string { return "Sent " + b.Amount + " " + b.Token }

// SystemBody is a membership or housekeeping notice.
type SystemBody struct {
	Text string `json:"text"`
}

func (SystemBody) Kind() ContentKind  { return KindSystem }
func (b SystemBody) Preview() string { return b.Text }

// PaymentRequestBody asks the recipients for a payment.
type PaymentRequestBody struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Memo      string `json:"memo,omitempty"`
}

func (PaymentRequestBody) Kind() ContentKind  { return KindPaymentRequest }
func (b PaymentRequestBody) Preview() string { return "Requested " + b.Amount + " " + b.Token }

// EncryptedBody is content this device could not (yet) decrypt.
type EncryptedBody struct {
	Ciphertext      []byte `json:"ciphertext"`
	Nonce           []byte `json:"nonce"`
	SenderPublicKey []byte `json:"sender_public_key"`
}

func (EncryptedBody) Kind() ContentKind { return KindEncrypted }
func (EncryptedBody) Preview() string   { return "Encrypted message" }

// UnknownBody keeps content of a kind this build does not know.
type UnknownBody struct {
	Type ContentKind
	Raw  json.RawMessage
}

func (b UnknownBody) Kind() ContentKind { return b.Type }
func (UnknownBody) Preview() string     { return "Unsupported message" }
