package server

import (
	"context"
	"sync"

	"observatory/models"

	log "github.com/sirupsen/logrus"
)

// Broadcaster fans finished job runs out to SSE clients
type Broadcaster struct {
	sync.RWMutex
	clients map[string]chan models.JobRun
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan models.JobRun),
	}
}

// RecordJobRun lets the broadcaster act as a scheduler recorder
func (b *Broadcaster) RecordJobRun(ctx context.Context, run models.JobRun) error {
	b.Broadcast(run)
	return nil
}

func (b *Broadcaster) Broadcast(run models.JobRun) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.clients {
		select {
		case client <- run: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping job run for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string, client chan models.JobRun) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Clients() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
}
