package models

import (
	"fmt"
	"strings"
)

// Channel names the delivery path an update arrived on.
type Channel string

const (
	ChannelLocal Channel = "local"
	ChannelLog   Channel = "log"
	ChannelRelay Channel = "relay"
)

// MetadataPolicy decides between competing conversation metadata updates
// (group renames) arriving over the log and the relay.
type MetadataPolicy string

const (
	// PolicyTimestamp accepts the newer update; ties go to the tie priority channel.
	PolicyTimestamp MetadataPolicy = "timestamp"
	// PolicyLogWins lets log updates always replace relay ones.
	PolicyLogWins MetadataPolicy = "log-wins"
	// PolicyRelayWins lets relay updates always replace log ones.
	PolicyRelayWins MetadataPolicy = "relay-wins"
)

// MetadataUpdate is one observed group name change.
type MetadataUpdate struct {
	Name      string
	Timestamp int64
	Channel   Channel
}

// MetadataResolver applies a MetadataPolicy.
type MetadataResolver struct {
	Policy      MetadataPolicy
	TiePriority Channel
}

// DefaultMetadataResolver is timestamp-wins with log priority on ties.
func DefaultMetadataResolver() MetadataResolver {
	return MetadataResolver{Policy: PolicyTimestamp, TiePriority: ChannelLog}
}

// ParseMetadataResolver builds a resolver from config strings.
func ParseMetadataResolver(policy, tiePriority string) (MetadataResolver, error) {
	resolver := DefaultMetadataResolver()
	switch p := MetadataPolicy(strings.ToLower(strings.TrimSpace(policy))); p {
	case "":
	case PolicyTimestamp, PolicyLogWins, PolicyRelayWins:
		resolver.Policy = p
	default:
		return MetadataResolver{}, fmt.Errorf("unknown metadata policy %q", policy)
	}
	switch c := Channel(strings.ToLower(strings.TrimSpace(tiePriority))); c {
	case "":
	case ChannelLog, ChannelRelay:
		resolver.TiePriority = c
	default:
		return MetadataResolver{}, fmt.Errorf("unknown tie priority %q", tiePriority)
	}
	return resolver, nil
}

// Accept reports whether update should replace the conversation's current name.
// Local edits always apply.
func (r MetadataResolver) Accept(conv Conversation, update MetadataUpdate) bool {
	if update.Channel == ChannelLocal || conv.NameSource == "" {
		return true
	}

	if conv.NameSource != ChannelLocal && update.Channel != conv.NameSource {
		switch r.Policy {
		case PolicyLogWins:
			return update.Channel == ChannelLog
		case PolicyRelayWins:
			return update.Channel == ChannelRelay
		}
	}

	if update.Timestamp != conv.NameUpdatedAt {
		return update.Timestamp > conv.NameUpdatedAt
	}
	if update.Channel == conv.NameSource {
		return true
	}
	return update.Channel == r.TiePriority
}

// Apply sets the group name when Accept allows it.
func (r MetadataResolver) Apply(conv *Conversation, update MetadataUpdate) bool {
	if !r.Accept(*conv, update) {
		return false
	}
	conv.GroupName = update.Name
	conv.NameUpdatedAt = update.Timestamp
	conv.NameSource = update.Channel
	return true
}
