package domain

// Kind enumerates the content kinds the relay can store and reconstruct.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindSticker   Kind = "sticker"
	KindAnimation Kind = "animation"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindVideoNote Kind = "video_note"
)

// Payload is the protocol-agnostic form of a message: enough to re-send it
// without holding the original bytes. MediaRef is the provider's reusable
// file reference (Telegram file_id), so media is never re-uploaded.
type Payload struct {
	Kind     Kind       `json:"kind"`
	Text     string     `json:"text,omitempty"`
	MediaRef string     `json:"media_ref,omitempty"`
	Buttons  [][]Button `json:"buttons,omitempty"`
}

// Button is one inline button. Exactly one of the action fields is set;
// a button with none renders as a disabled placeholder so the row layout
// survives the round trip.
type Button struct {
	Label             string `json:"label"`
	URL               string `json:"url,omitempty"`
	CallbackData      string `json:"callback_data,omitempty"`
	SwitchInline      string `json:"switch_inline,omitempty"`
	SwitchInlineChat  string `json:"switch_inline_current,omitempty"`
}

// HasMedia reports whether the payload carries an attachment reference.
func (p *Payload) HasMedia() bool {
	return p != nil && p.Kind != KindText && p.MediaRef != ""
}
