package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Advertisement-based batch shipping between the actor and the learner.
// The actor keeps serialized batches in memory and LPushes their IDs to
// an advertisement list; the learner scans the list, requests an ID, and
// the actor answers on the data channel. The transport owns no ordering
// or retry semantics beyond what the redis lists give it.
const RedisTrainingTxChan = "training:data-chan"
const RedisTrainingRxChan = "training:request-chan"
const RedisTrainingAdvList = "training:advertisement-list"

type BatchPublisher struct {
	mu      sync.RWMutex
	batches map[TrainingBatchID]string
}

func NewBatchPublisher() *BatchPublisher {
	return &BatchPublisher{
		batches: make(map[TrainingBatchID]string),
	}
}

// Advertise stores the serialized batch and announces its ID to the learner.
func (p *BatchPublisher) Advertise(ctx context.Context, rdb *redis.Client, batch *TrajectoryBatch) error {
	p.mu.Lock()
	p.batches[batch.BatchID] = batch.ToJSON()
	p.mu.Unlock()
	return rdb.LPush(ctx, RedisTrainingAdvList, string(batch.BatchID)).Err()
}

// ServeNextRequest answers one learner request from the stored batches.
// The served batch is dropped: it is consumed exactly once.
func (p *BatchPublisher) ServeNextRequest(ctx context.Context, rdb *redis.Client) error {
	request, err := rdb.BRPop(ctx, 3*time.Second, RedisTrainingRxChan).Result()
	if err != nil {
		return err
	}
	id := TrainingBatchID(request[1])
	p.mu.Lock()
	payload, ok := p.batches[id]
	delete(p.batches, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("learner requested unknown batch %s", id)
	}
	return rdb.LPush(ctx, RedisTrainingTxChan, payload).Err()
}

// RequestNextBatch is the learner side: take the oldest advertisement,
// ask for it, and block until the actor delivers.
func RequestNextBatch(ctx context.Context, rdb *redis.Client) (*TrajectoryBatch, error) {
	adv, err := rdb.BRPop(ctx, 3*time.Second, RedisTrainingAdvList).Result()
	if err != nil {
		return nil, err
	}
	if err := rdb.LPush(ctx, RedisTrainingRxChan, adv[1]).Err(); err != nil {
		return nil, err
	}
	data, err := rdb.BRPop(ctx, 30*time.Second, RedisTrainingTxChan).Result()
	if err != nil {
		return nil, err
	}
	return TrajectoryBatchFromJSON(data[1])
}

func dropTrainingChans(ctx context.Context, rdb *redis.Client) error {
	for _, key := range []string{RedisTrainingTxChan, RedisTrainingRxChan, RedisTrainingAdvList} {
		if err := rdb.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return nil
}
