package ingest

import "strings"

// Handler names, used for dispatch and as the metric label.
const (
	handlerAudio       = "audio"
	handlerRates       = "rates"
	handlerRecorders   = "recorders"
	handlerCallsActive = "calls_active"
	handlerCallEnd     = "call_end"
	handlerUnit        = "unit"
)

// Route classifies an inbound topic.
type Route struct {
	Handler string
	// SysName and Action are set for unit events, whose topics carry the
	// system: <prefix>/units/<sys_name>/<action>.
	SysName string
	Action  string
}

// ParseTopic routes on the topic's trailing segments so any configured
// broker prefix works. Unrecognized topics return nil.
func ParseTopic(topic string) *Route {
	parts := strings.Split(topic, "/")
	last := parts[len(parts)-1]

	switch last {
	case "audio":
		return &Route{Handler: handlerAudio}
	case "rates":
		return &Route{Handler: handlerRates}
	case "recorders":
		return &Route{Handler: handlerRecorders}
	case "calls_active":
		return &Route{Handler: handlerCallsActive}
	case "call_end":
		return &Route{Handler: handlerCallEnd}
	case "call", "end":
		if len(parts) < 2 {
			return nil
		}
		return &Route{Handler: handlerUnit, SysName: parts[len(parts)-2], Action: last}
	}
	return nil
}
