package main

// Signal is the message type the serve command routes.
type Signal struct {
	Namespace string `json:"namespace"`
	ThingID   string `json:"thingId"`
	Type      string `json:"type"`
	Payload   string `json:"payload,omitempty"`
}

// signalTopics addresses a signal by its namespace, thing and signal type.
func signalTopics(s Signal) []string {
	topics := make([]string, 0, 3)
	if s.Namespace != "" {
		topics = append(topics, "namespace:"+s.Namespace)
	}
	if s.ThingID != "" {
		topics = append(topics, "thing:"+s.ThingID)
	}
	if s.Type != "" {
		topics = append(topics, "type:"+s.Type)
	}
	return topics
}
