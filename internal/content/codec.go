// Package content converts between Telegram messages and the normalized
// payload stored in the job queue. Both directions are pure: no network, no
// store access.
package content

import (
	"fmt"

	"dmrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// placeholderText is sent when a payload has no usable text for a text send.
const placeholderText = "(no text)"

// Encode captures a Telegram message as a storable payload. Attachments are
// probed in a fixed priority order; the first present one wins. A message
// with no attachment is plain text.
func Encode(msg *tgbotapi.Message) *domain.Payload {
	p := &domain.Payload{Kind: domain.KindText}

	switch {
	case len(msg.Photo) > 0:
		// Telegram sends every thumbnail size; the last entry is the
		// largest and the one worth re-sending.
		p.Kind = domain.KindPhoto
		p.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		p.Kind = domain.KindVideo
		p.MediaRef = msg.Video.FileID
	case msg.Document != nil:
		p.Kind = domain.KindDocument
		p.MediaRef = msg.Document.FileID
	case msg.Sticker != nil:
		p.Kind = domain.KindSticker
		p.MediaRef = msg.Sticker.FileID
	case msg.Animation != nil:
		p.Kind = domain.KindAnimation
		p.MediaRef = msg.Animation.FileID
	case msg.Audio != nil:
		p.Kind = domain.KindAudio
		p.MediaRef = msg.Audio.FileID
	case msg.Voice != nil:
		p.Kind = domain.KindVoice
		p.MediaRef = msg.Voice.FileID
	case msg.VideoNote != nil:
		p.Kind = domain.KindVideoNote
		p.MediaRef = msg.VideoNote.FileID
	}

	if msg.Text != "" {
		p.Text = msg.Text
	} else {
		p.Text = msg.Caption
	}

	if msg.ReplyMarkup != nil {
		p.Buttons = encodeButtons(msg.ReplyMarkup)
	}

	return p
}

func encodeButtons(markup *tgbotapi.InlineKeyboardMarkup) [][]domain.Button {
	rows := make([][]domain.Button, 0, len(markup.InlineKeyboard))
	for _, row := range markup.InlineKeyboard {
		out := make([]domain.Button, 0, len(row))
		for _, b := range row {
			btn := domain.Button{Label: b.Text}
			switch {
			case b.URL != nil:
				btn.URL = *b.URL
			case b.CallbackData != nil:
				btn.CallbackData = *b.CallbackData
			case b.SwitchInlineQuery != nil:
				btn.SwitchInline = *b.SwitchInlineQuery
			case b.SwitchInlineQueryCurrentChat != nil:
				btn.SwitchInlineChat = *b.SwitchInlineQueryCurrentChat
			}
			out = append(out, btn)
		}
		rows = append(rows, out)
	}
	return rows
}

// sendMethods maps each media kind to its Bot API method and the parameter
// carrying the file reference.
var sendMethods = map[domain.Kind]struct{ method, param string }{
	domain.KindPhoto:     {"sendPhoto", "photo"},
	domain.KindVideo:     {"sendVideo", "video"},
	domain.KindDocument:  {"sendDocument", "document"},
	domain.KindSticker:   {"sendSticker", "sticker"},
	domain.KindAnimation: {"sendAnimation", "animation"},
	domain.KindAudio:     {"sendAudio", "audio"},
	domain.KindVoice:     {"sendVoice", "voice"},
	domain.KindVideoNote: {"sendVideoNote", "video_note"},
}

// Request builds the Bot API call for a payload: the method name plus its
// wire parameters, protect_content included. The library's typed send
// configs predate protected sends, so the parameters are assembled directly.
// An unrecognized kind or a media kind missing its file reference degrades
// to a plain text send; building never fails the job.
func Request(chatID int64, p *domain.Payload, opts domain.SendOptions) (string, tgbotapi.Params, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("reply_to_message_id", opts.ReplyTo)
	params.AddBool("protect_content", opts.Protect)
	if markup := DecodeButtons(p.Buttons); markup != nil {
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return "", nil, fmt.Errorf("encode reply markup: %w", err)
		}
	}

	m, known := sendMethods[p.Kind]
	if !known || !p.HasMedia() {
		text := p.Text
		if text == "" {
			text = placeholderText
		}
		params["text"] = text
		return "sendMessage", params, nil
	}

	params[m.param] = p.MediaRef
	params.AddNonEmpty("caption", p.Text)
	return m.method, params, nil
}

// DecodeButtons reconstructs the inline keyboard 1:1. A button without any
// recognized action becomes a no-op callback button so rows keep their shape.
func DecodeButtons(rows [][]domain.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		out := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			switch {
			case b.URL != "":
				out = append(out, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
			case b.CallbackData != "":
				out = append(out, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.CallbackData))
			case b.SwitchInline != "":
				out = append(out, tgbotapi.NewInlineKeyboardButtonSwitch(b.Label, b.SwitchInline))
			case b.SwitchInlineChat != "":
				query := b.SwitchInlineChat
				out = append(out, tgbotapi.InlineKeyboardButton{
					Text:                         b.Label,
					SwitchInlineQueryCurrentChat: &query,
				})
			default:
				out = append(out, tgbotapi.NewInlineKeyboardButtonData(b.Label, "noop"))
			}
		}
		keyboard = append(keyboard, out)
	}
	return &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: keyboard}
}
