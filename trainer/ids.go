package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/gofrs/uuid"
)

type EngineTaskID string

func NewEngineTaskID() EngineTaskID {
	uuid, err := uuid.NewV4()
	if err != nil {
		log.Fatalln(err)
	}
	return EngineTaskID(fmt.Sprintf("engine-task-%s", uuid.String()))
}

func IsValidEngineTaskID(id EngineTaskID) bool {
	return strings.HasPrefix(string(id), "engine-task-")
}

// TrainingBatchID identifies one actor step's worth of trajectories
// as it crosses the actor/learner boundary.
type TrainingBatchID string

func NewTrainingBatchID() TrainingBatchID {
	uuid, err := uuid.NewV4()
	if err != nil {
		log.Fatalln(err)
	}
	return TrainingBatchID(fmt.Sprintf("batch-%s", uuid.String()))
}
