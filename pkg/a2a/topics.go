package a2a

import (
	"fmt"
	"strings"
)

// Topics builds the namespaced topic families used by the mesh.
//
// All topics share the shape {namespace}/a2a/v1/... with forward-slash
// delimited levels. Subscription patterns use the broker wildcard
// conventions: "*" matches exactly one level, ">" matches the remainder.
type Topics struct {
	Namespace string
}

// NewTopics creates a topic builder for the given namespace.
func NewTopics(namespace string) Topics {
	return Topics{Namespace: strings.TrimSuffix(namespace, "/")}
}

func (t Topics) prefix() string {
	return fmt.Sprintf("%s/a2a/%s", t.Namespace, ProtocolVersion)
}

// AgentRequest is the inbound task request topic for an agent.
func (t Topics) AgentRequest(agentName string) string {
	return fmt.Sprintf("%s/agent/request/%s", t.prefix(), agentName)
}

// AgentResponse is the peer response topic for one sub-task of an agent.
func (t Topics) AgentResponse(agentName, subTaskID string) string {
	return fmt.Sprintf("%s/agent/response/%s/%s", t.prefix(), agentName, subTaskID)
}

// AgentStatus is the streaming status topic for one sub-task of an agent.
func (t Topics) AgentStatus(agentName, subTaskID string) string {
	return fmt.Sprintf("%s/agent/status/%s/%s", t.prefix(), agentName, subTaskID)
}

// Discovery is the agent card heartbeat topic.
func (t Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery/agentcards", t.prefix())
}

// AgentResponsePattern matches all peer responses addressed to an agent.
func (t Topics) AgentResponsePattern(agentName string) string {
	return fmt.Sprintf("%s/agent/response/%s/>", t.prefix(), agentName)
}

// AgentStatusPattern matches all peer status events addressed to an agent.
func (t Topics) AgentStatusPattern(agentName string) string {
	return fmt.Sprintf("%s/agent/status/%s/>", t.prefix(), agentName)
}

// SubTaskIDFromTopic extracts the trailing sub-task id from a response or
// status topic. Returns "" when the topic has no sub-task level.
func SubTaskIDFromTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}
