package alerting

import (
	"time"
)

// DebounceKind names the condition class an alert reports.
type DebounceKind string

const (
	KindFailureRate         DebounceKind = "failure_rate"
	KindConsecutiveFailures DebounceKind = "consecutive_failures"
	KindQueueBacklog        DebounceKind = "queue_backlog"
	KindResponseTime        DebounceKind = "response_time"
)

// Severity orders alert urgency; the escalation ladder walks it upward.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Channel is a notification transport selected by severity.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelPager Channel = "pager"
	ChannelPhone Channel = "phone"
)

// Alert is one deduplicated notification emitted by the debouncer.
type Alert struct {
	Kind            DebounceKind `json:"kind"`
	Severity        Severity     `json:"severity"`
	OrganisationID  string       `json:"organisation_id"`
	DestinationID   string       `json:"destination_id,omitempty"`
	Message         string       `json:"message"`
	Value           float64      `json:"value,omitempty"`
	Threshold       float64      `json:"threshold,omitempty"`
	EscalationLevel int          `json:"escalation_level"`
	Channels        []Channel    `json:"channels"`
	RaisedAt        time.Time    `json:"raised_at"`
}

// ladder maps escalation level to severity and channels. Levels past the
// top clamp to the last rung.
var ladder = []struct {
	severity Severity
	channels []Channel
}{
	{SeverityLow, []Channel{ChannelEmail}},
	{SeverityMedium, []Channel{ChannelEmail, ChannelChat}},
	{SeverityHigh, []Channel{ChannelEmail, ChannelChat, ChannelPager}},
	{SeverityCritical, []Channel{ChannelEmail, ChannelChat, ChannelPager, ChannelPhone}},
}

// TopLevel is the highest escalation level.
const TopLevel = 3

// Rung returns the severity and channels for an escalation level.
func Rung(level int) (Severity, []Channel) {
	if level < 0 {
		level = 0
	}
	if level >= len(ladder) {
		level = len(ladder) - 1
	}
	return ladder[level].severity, ladder[level].channels
}

// severityRank orders severities low to critical.
func severityRank(s Severity) int {
	for i, rung := range ladder {
		if rung.severity == s {
			return i
		}
	}
	return 0
}

// channelsFor returns the channel set that matches a severity.
func channelsFor(s Severity) []Channel {
	return ladder[severityRank(s)].channels
}
