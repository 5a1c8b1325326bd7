package metrics

import (
	"time"

	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func init() {
	storage.OnWriterBusy = WriterBusyTotal.Inc
}

// Collector periodically samples fleet gauges from the store.
type Collector struct {
	store  *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	_ = c.store.WithRead(func(tx *storage.Tx) error {
		agents, err := tx.ListAgents()
		if err != nil {
			return err
		}
		agentCounts := make(map[types.AgentKind]map[types.AgentStatus]int)
		for _, a := range agents {
			if agentCounts[a.Kind] == nil {
				agentCounts[a.Kind] = make(map[types.AgentStatus]int)
			}
			agentCounts[a.Kind][a.Status]++
		}
		AgentsTotal.Reset()
		for kind, statuses := range agentCounts {
			for status, count := range statuses {
				AgentsTotal.WithLabelValues(string(kind), string(status)).Set(float64(count))
			}
		}

		challenges, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		chCounts := make(map[types.ChallengeStatus]int)
		for _, ch := range challenges {
			chCounts[ch.Status]++
		}
		ChallengesTotal.Reset()
		for status, count := range chCounts {
			ChallengesTotal.WithLabelValues(string(status)).Set(float64(count))
		}
		return nil
	})
}
