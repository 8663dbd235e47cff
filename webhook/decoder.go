// Package webhook decodes a raw Telegram update body into the core's
// opaque-string-id shape. It preserves big integer identifiers ahead of
// encoding/json via PreserveBigInts, then decodes into this package's own
// telegramUpdate (distinct from tgbotapi.Update, whose id fields are
// int64 and would defeat that preservation).
package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/riverrelay/dialogworker/chatmodel"
	"github.com/riverrelay/dialogworker/errs"
	"github.com/riverrelay/dialogworker/ports"
)

// OutcomeKind is the three-way classification the router branches on.
type OutcomeKind string

const (
	// OutcomeHandled means the update required no engine dispatch (e.g. a
	// callback query, or a message with neither text nor media).
	OutcomeHandled OutcomeKind = "handled"
	// OutcomeMessage carries an IncomingMessage for the Admin Command Gate
	// or Dialog Engine, depending on RouteLabel.
	OutcomeMessage OutcomeKind = "message"
	// OutcomeNonText carries a canned reply for voice/media messages.
	OutcomeNonText OutcomeKind = "non_text"
)

const (
	RouteLabelCommand = "command"
	RouteLabelText    = "text"
)

const (
	voiceReplyText = "🔇 👉📝"
	mediaReplyText = "🖼️❌ 👉📝"
)

// Snapshot is the transient per-request record of decoded identifiers,
// surfaced to admin diagnostics as proof that only Go strings ever reach
// the core. Enforcement itself happens inside RawID.UnmarshalJSON, which
// refuses to decode a non-scalar JSON token into an id field; Snapshot
// exists so that guarantee is observable, not so it can fail here.
type Snapshot struct {
	ChatIDRaw  string
	ChatIDUsed string
	UserIDRaw  string
	UserIDUsed string
}

// Outcome is Decode's result.
type Outcome struct {
	Kind             OutcomeKind
	RouteLabel       string
	Incoming         chatmodel.IncomingMessage
	NonTextChat      ports.Chat
	NonTextReplyText string
	Snapshot         Snapshot
}

// RawID decodes either a JSON string or a JSON number token into a Go
// string, refusing booleans, objects, and arrays; a JSON null decodes to
// the empty string. This is the single
// enforcement point for the UNSAFE_TELEGRAM_ID invariant: an id field can
// never silently become a non-string Go value.
type RawID string

func (r *RawID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*r = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RawID(s)
		return nil
	}
	if trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9') {
		*r = RawID(trimmed)
		return nil
	}
	return &errs.UnsafeTelegramIDError{Field: "id"}
}

type telegramUser struct {
	ID           RawID  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type telegramChat struct {
	ID   RawID  `json:"id"`
	Type string `json:"type,omitempty"`
}

type telegramMessage struct {
	MessageID     RawID           `json:"message_id"`
	MessageThread RawID           `json:"message_thread_id,omitempty"`
	From          *telegramUser   `json:"from,omitempty"`
	Chat          telegramChat    `json:"chat"`
	Text          string          `json:"text,omitempty"`
	Date          int64           `json:"date"`
	Voice         json.RawMessage `json:"voice,omitempty"`
	Photo         json.RawMessage `json:"photo,omitempty"`
	Video         json.RawMessage `json:"video,omitempty"`
	Document      json.RawMessage `json:"document,omitempty"`
	VideoNote     json.RawMessage `json:"video_note,omitempty"`
	Audio         json.RawMessage `json:"audio,omitempty"`
}

type telegramCallbackQuery struct {
	ID   RawID         `json:"id"`
	From *telegramUser `json:"from,omitempty"`
	Data string        `json:"data,omitempty"`
}

type telegramUpdate struct {
	UpdateID      RawID                  `json:"update_id"`
	Message       *telegramMessage       `json:"message,omitempty"`
	EditedMessage *telegramMessage       `json:"edited_message,omitempty"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query,omitempty"`
}

// Decode parses a raw Telegram webhook body into an Outcome. Big integer
// identifiers are preserved by PreserveBigInts before standard JSON decode.
func Decode(raw []byte) (Outcome, error) {
	preserved := PreserveBigInts(raw)

	var update telegramUpdate
	if err := json.Unmarshal(preserved, &update); err != nil {
		return Outcome{}, err
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		// Callback queries and other update kinds are acknowledged without
		// engine dispatch.
		return Outcome{Kind: OutcomeHandled}, nil
	}

	chat := ports.Chat{ID: string(msg.Chat.ID), ThreadID: string(msg.MessageThread)}
	snapshot := Snapshot{ChatIDRaw: string(msg.Chat.ID), ChatIDUsed: chat.ID}
	if msg.From != nil {
		snapshot.UserIDRaw = string(msg.From.ID)
		snapshot.UserIDUsed = string(msg.From.ID)
	}

	if len(msg.Voice) > 0 || len(msg.Audio) > 0 || len(msg.VideoNote) > 0 {
		return Outcome{Kind: OutcomeNonText, NonTextChat: chat, NonTextReplyText: voiceReplyText, Snapshot: snapshot}, nil
	}
	if len(msg.Photo) > 0 || len(msg.Video) > 0 || len(msg.Document) > 0 {
		return Outcome{Kind: OutcomeNonText, NonTextChat: chat, NonTextReplyText: mediaReplyText, Snapshot: snapshot}, nil
	}
	if msg.Text == "" {
		return Outcome{Kind: OutcomeHandled, Snapshot: snapshot}, nil
	}

	var profile chatmodel.UserProfile
	if msg.From != nil {
		profile = chatmodel.UserProfile{
			UserID:       string(msg.From.ID),
			Username:     msg.From.Username,
			FirstName:    msg.From.FirstName,
			LastName:     msg.From.LastName,
			LanguageCode: msg.From.LanguageCode,
		}
	}

	incoming := chatmodel.IncomingMessage{
		User:       profile,
		Chat:       chatmodel.ChatRef{ID: chat.ID, ThreadID: chat.ThreadID},
		Text:       msg.Text,
		MessageID:  string(msg.MessageID),
		ReceivedAt: time.Unix(msg.Date, 0).UTC(),
	}

	routeLabel := RouteLabelText
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		routeLabel = RouteLabelCommand
	}

	return Outcome{Kind: OutcomeMessage, RouteLabel: routeLabel, Incoming: incoming, Snapshot: snapshot}, nil
}
