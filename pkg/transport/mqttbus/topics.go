package mqttbus

import "strings"

// ToMQTT rewrites a dotted subject or pattern into MQTT topic syntax:
// "." separates levels, "*" becomes "+" and ">" becomes "#".
func ToMQTT(subject string) string {
	segs := strings.Split(subject, ".")
	for i, s := range segs {
		switch s {
		case "*":
			segs[i] = "+"
		case ">":
			segs[i] = "#"
		}
	}
	return strings.Join(segs, "/")
}

// FromMQTT rewrites a concrete MQTT topic back into a dotted subject.
func FromMQTT(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// HeartbeatTopic is where heartbeats are published for an agent.
func HeartbeatTopic(tenantID, agentID string) string {
	return "$agentmq/heartbeat/" + tenantID + "/" + agentID
}

// PresenceTopic carries online/offline announcements, including the
// offline will the broker publishes when the agent drops.
func PresenceTopic(tenantID, agentID string) string {
	return "$agentmq/presence/" + tenantID + "/" + agentID
}
