package queue

import "fmt"

// Group is a named bundle of message types served by one worker process.
type Group string

const (
	GroupOptimization Group = "optimization"
	GroupAnalytics    Group = "analytics"
	GroupEmail        Group = "email"
)

var groupMessageTypes = map[Group][]MessageType{
	GroupOptimization: {MessageTypeNextPoints, MessageTypeOptimize},
	GroupAnalytics:    {MessageTypeImportances},
	GroupEmail:        {MessageTypeEmail},
}

// Groups lists every message group.
var Groups = []Group{GroupOptimization, GroupAnalytics, GroupEmail}

// Validate checks if the group is one of the known groups.
func (g Group) Validate() error {
	if _, ok := groupMessageTypes[g]; !ok {
		return fmt.Errorf("invalid message group: %q (must be one of %v)", g, Groups)
	}
	return nil
}

// MessageTypes returns the message types the group serves.
func (g Group) MessageTypes() []MessageType {
	return append([]MessageType(nil), groupMessageTypes[g]...)
}

// GroupOf returns the group serving message type t.
func GroupOf(t MessageType) (Group, error) {
	for g, types := range groupMessageTypes {
		for _, mt := range types {
			if mt == t {
				return g, nil
			}
		}
	}
	return "", fmt.Errorf("no group serves message type %q", t)
}

// QueueNames maps each message type to the queue carrying it.
type QueueNames map[MessageType]string

// DefaultQueueNames returns the default queue for every message type.
func DefaultQueueNames() QueueNames {
	return QueueNames{
		MessageTypeNextPoints:  "next-points",
		MessageTypeOptimize:    "optimize",
		MessageTypeImportances: "importances",
		MessageTypeEmail:       "email",
	}
}

// For returns the queue for t, falling back to the default name.
func (q QueueNames) For(t MessageType) string {
	if name, ok := q[t]; ok && name != "" {
		return name
	}
	return DefaultQueueNames()[t]
}

// ForGroup returns the distinct queues serving g, in message-type order.
func (q QueueNames) ForGroup(g Group) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range g.MessageTypes() {
		name := q.For(t)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
