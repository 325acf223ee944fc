package domain

import "strings"

// TeamID identifies a subscription topic. Team and workspace identifiers are
// used verbatim; per-user notification topics use the reserved "user:" prefix.
type TeamID string

const userTopicPrefix = "user:"

// UserTopic returns the topic that carries notifications for one user.
func UserTopic(userID string) TeamID {
	return TeamID(userTopicPrefix + userID)
}

// IsUserTopic reports whether t is a per-user notification topic.
func (t TeamID) IsUserTopic() bool {
	return strings.HasPrefix(string(t), userTopicPrefix)
}

func (t TeamID) String() string { return string(t) }
