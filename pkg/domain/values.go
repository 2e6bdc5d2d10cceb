package domain

import "fmt"

// ---------------------------------------------------------------------------
// Shared value objects — used across the whole pipeline
// ---------------------------------------------------------------------------

// ChannelType represents the kind of messaging channel.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelWeb      ChannelType = "web"
	ChannelCLI      ChannelType = "cli"
)

// AllChannelTypes returns all known channel types.
func AllChannelTypes() []ChannelType {
	return []ChannelType{
		ChannelTelegram, ChannelSlack, ChannelDiscord, ChannelWeb, ChannelCLI,
	}
}

// String implements fmt.Stringer.
func (ct ChannelType) String() string { return string(ct) }

// Valid returns true if the channel type is recognized.
func (ct ChannelType) Valid() bool {
	for _, t := range AllChannelTypes() {
		if t == ct {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// MessageRole represents who sent a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

func (mr MessageRole) String() string { return string(mr) }

// ---------------------------------------------------------------------------
// Sender — the partition key of the entire pipeline
// ---------------------------------------------------------------------------

// Sender identifies one conversation participant. It is stable for the
// lifetime of a conversation and partitions batching, context and
// single-flight serialization.
type Sender struct {
	Tenant  string      `json:"tenant"`
	Channel ChannelType `json:"channel"`
	Address string      `json:"address"`
}

// NewSender builds a sender identity.
func NewSender(tenant string, channel ChannelType, address string) Sender {
	return Sender{Tenant: tenant, Channel: channel, Address: address}
}

// Key returns the canonical partition key, e.g. "acme/telegram/12345".
func (s Sender) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.Tenant, s.Channel, s.Address)
}

// IsZero returns true if the sender carries no identity.
func (s Sender) IsZero() bool {
	return s.Tenant == "" && s.Address == ""
}

// String implements fmt.Stringer.
func (s Sender) String() string { return s.Key() }
