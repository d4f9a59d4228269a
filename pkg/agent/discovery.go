package agent

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/broker"
)

// discoveryLoop publishes the agent card heartbeat on the discovery topic.
func (a *Agent) discoveryLoop() {
	defer a.bg.Done()

	interval := time.Duration(a.cfg.DiscoveryPublishIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.publishAgentCard(a.runCtx)
	for {
		select {
		case <-a.runCtx.Done():
			return
		case <-ticker.C:
			a.publishAgentCard(a.runCtx)
		}
	}
}

// Card builds the agent's self-description. Peer delegation entries are not
// advertised; only locally executable tools appear in the card.
func (a *Agent) Card() a2a.AgentCard {
	card := a2a.AgentCard{
		Name:        a.name,
		Description: a.cfg.Description,
		Version:     a.cfg.Version,
	}
	for _, spec := range a.tools.Specs() {
		if spec.IsPeerDelegation() {
			continue
		}
		card.Tools = append(card.Tools, a2a.ToolSignature{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return card
}

func (a *Agent) publishAgentCard(ctx context.Context) {
	payload, err := json.Marshal(a.Card())
	if err != nil {
		a.logger.Error("Failed to encode agent card", "error", err)
		return
	}
	if err := a.broker.Publish(ctx, a.topics.Discovery(), payload, nil); err != nil {
		a.logger.Warn("Failed to publish agent card", "error", err)
	}
}

// handleDiscovery maintains the catalog of peers seen on the discovery topic.
func (a *Agent) handleDiscovery(msg *broker.Message) {
	defer msg.Ack()

	var card a2a.AgentCard
	if err := json.Unmarshal(msg.Payload, &card); err != nil || card.Name == "" {
		return
	}
	if card.Name == a.name {
		return
	}
	a.mu.Lock()
	a.catalog[card.Name] = card
	a.mu.Unlock()
}

// Catalog returns the discovered peer cards, sorted by agent name.
func (a *Agent) Catalog() []a2a.AgentCard {
	a.mu.Lock()
	cards := make([]a2a.AgentCard, 0, len(a.catalog))
	for _, card := range a.catalog {
		cards = append(cards, card)
	}
	a.mu.Unlock()
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards
}
