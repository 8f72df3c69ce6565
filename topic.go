package socketcast

import "strings"

// TopicSeparator joins a namespace and a room into a pub/sub topic. Neither
// namespace nor room names may contain it, otherwise two different
// (namespace, room) pairs could map onto the same topic.
const TopicSeparator = "\x1f"

// Topic returns the pub/sub topic for a room of a namespace. An empty room
// yields the namespace's implicit topic, to which every connection of the
// namespace is subscribed.
func Topic(nsp, room string) string {
	if room == "" {
		return nsp
	}
	return nsp + TopicSeparator + room
}

func validName(name string) bool {
	return !strings.Contains(name, TopicSeparator)
}
