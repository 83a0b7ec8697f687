package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
)

var AllChannels = []Channel{ChannelWhatsApp, ChannelEmail, ChannelTelegram}

func ParseChannel(s string) (Channel, bool) {
	up := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, ch := range AllChannels {
		if ch == up {
			return ch, true
		}
	}
	return "", false
}

// RoutingSegment is the lower-cased last segment of a routing key.
func (c Channel) RoutingSegment() string {
	return strings.ToLower(string(c))
}

func (c Channel) String() string { return string(c) }

type ShipmentSubscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	ShipmentID         uuid.UUID
	SubscribedStatuses []Status
	SubscribedChannels []Channel
	Label              string
	CreatedAt          time.Time
}

// Wants reports whether the subscription asked to be told about st.
func (s *ShipmentSubscription) Wants(st Status) bool {
	for _, v := range s.SubscribedStatuses {
		if v == st {
			return true
		}
	}
	return false
}

type UserContact struct {
	UserID         uuid.UUID
	Email          string
	Phone          string
	TelegramChatID string
}

// Address returns the recipient for a channel, false when the user has none.
func (u UserContact) Address(ch Channel) (string, bool) {
	var v string
	switch ch {
	case ChannelEmail:
		v = u.Email
	case ChannelWhatsApp:
		v = u.Phone
	case ChannelTelegram:
		v = u.TelegramChatID
	}
	return v, v != ""
}
