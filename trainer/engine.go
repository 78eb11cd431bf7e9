package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Engine distributes sampling work to the generation workers through redis.
// It uses 3 queues:
// - {job}:tasks - tasks to be picked up by workers
//   - Writer: actor
//   - Reader: workers
//
// - {job}:processing - tasks that were picked up by workers via r.brpoplpush("{job}:tasks", "{job}:processing")
//   - Writer: workers
//   - Reader: actor
//
// - {job}:results - results of tasks
//   - Writer: workers
//   - Reader: actor
//
// The engine receives its tasks from a channel and writes all the results to the results channel.
// It is NOT safe to have multiple engines touching the same queues, however it is safe to have multiple workers.
//
// If a worker crashes, the engine requeues its tasks after TaskProcessingTimeout (work may be reordered,
// never lost). If the engine itself crashes, the caller must resubmit any in-flight work.
//
// The consumer is expected to drain the results channel promptly: the feeder won't enqueue
// new tasks while results are waiting (back-pressure), unless DisableBackpressure is set.
//
// The workers MUST use brpoplpush to receive tasks and they MUST push exactly one result per task
// they process (even if that result is an error).
type EngineTaskMsg struct {
	ID   EngineTaskID `json:"task_id"`
	Task string       `json:"task"`
}
type EngineTaskResultMsg struct {
	ID     EngineTaskID `json:"task_id"`
	Result string       `json:"result"`
}

type trackedTask struct {
	msg                 EngineTaskMsg
	CreationTime        time.Time
	ProcessingStartTime *time.Time
}

type Engine struct {
	job EngineJobName

	rdb    *redis.Client
	logger *zerolog.Logger

	wg             *sync.WaitGroup
	shouldStopChan chan bool

	// only read from the feeder
	taskInput chan EngineTaskMsg
	// only written from the collector
	taskOutput chan EngineTaskResultMsg

	trackedTasksMu sync.Mutex
	trackedTasks   map[EngineTaskID]trackedTask

	// read-only
	schedulingParams SchedulingParams

	// must not block aquisition of trackedTasksMu
	statsMu sync.Mutex
	stats   []EngineStatEvent
}
type EngineJobName string

const (
	EngineJobNameSampling EngineJobName = "sampling-engine"
)

type SchedulingParams struct {
	MinTaskQueueSize int
	MaxTaskQueueSize int
	// how long a task can be processing before it is requeued
	TaskProcessingTimeout time.Duration

	// keep these well below the time it takes to process a task
	FeederInterval    time.Duration
	CollectorInterval time.Duration
	TrackerInterval   time.Duration
	MonitorInterval   time.Duration

	InputChanSize int
	// Even for large numbers, this will still block reading from the input if the consumer is not reading fast enough.
	OutputChanSize int

	// The actor submits a whole rollout batch and then blocks on results,
	// so holding back tasks while results sit in the channel would deadlock it.
	DisableBackpressure bool
}

func NewEngine(ctx context.Context, job EngineJobName, rdb *redis.Client, schedulingParams SchedulingParams) *Engine {
	parentLogger := zerolog.Ctx(ctx)
	logger := parentLogger.With().Str("job", string(job)).Logger()

	return &Engine{
		job:              job,
		rdb:              rdb,
		logger:           &logger,
		wg:               &sync.WaitGroup{},
		shouldStopChan:   make(chan bool),
		taskInput:        make(chan EngineTaskMsg, schedulingParams.InputChanSize),
		taskOutput:       make(chan EngineTaskResultMsg, schedulingParams.OutputChanSize),
		trackedTasksMu:   sync.Mutex{},
		trackedTasks:     make(map[EngineTaskID]trackedTask),
		schedulingParams: schedulingParams,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.logger.Debug().Msg("Starting engine")

	err := e.dropQueuesForStartup(ctx)
	if err != nil {
		return err
	}
	e.wg.Add(4)
	go e.runFeeder()
	go e.runCollector()
	go e.runTracker()
	go e.runMonitor()

	return nil
}
func (e *Engine) dropQueuesForStartup(ctx context.Context) error {
	e.logger.Debug().Msg("Dropping queues for startup")
	for _, queue := range []string{e.TasksQueueName(), e.ProcessingQueueName(), e.ResultsQueueName()} {
		if err := e.rdb.Del(ctx, queue).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) TriggerStop() {
	close(e.shouldStopChan)
}

func (e *Engine) WaitForStop() {
	e.logger.Info().Msg("Waiting for engine to stop")
	e.wg.Wait()
}

func (e *Engine) TasksQueueName() string {
	return fmt.Sprintf("%s:tasks", e.job)
}
func (e *Engine) ProcessingQueueName() string {
	return fmt.Sprintf("%s:processing", e.job)
}
func (e *Engine) ResultsQueueName() string {
	return fmt.Sprintf("%s:results", e.job)
}
func (e *Engine) GetInput() chan<- EngineTaskMsg {
	return e.taskInput
}
func (e *Engine) GetOutput() <-chan EngineTaskResultMsg {
	return e.taskOutput
}

func (e *Engine) setupLoggerAndCtxForComponent(component string) (context.Context, context.CancelFunc, *zerolog.Logger) {
	logger := e.logger.With().Str("component", component).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithContext(ctx)
	return ctx, cancel, &logger
}

// the feeder handles the tasks chan -> tasks queue.
func (e *Engine) runFeeder() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.FeederInterval)
	ctx, cancel, logger := e.setupLoggerAndCtxForComponent("feeder")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Feeder stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()

		e.recordStatEvent(EngineStatEvent{
			feederStarted: 1,
		})

		// requeue tasks that have been processing for too long.
		// We do this before enqueing new tasks to avoid over-filling the queue.
		func() {
			e.trackedTasksMu.Lock()
			defer e.trackedTasksMu.Unlock()
			numTasksRequeued := 0

			for _, task := range e.trackedTasks {
				if task.ProcessingStartTime != nil && time.Since(*task.ProcessingStartTime) > e.schedulingParams.TaskProcessingTimeout {
					taskMsg := task.msg.toJSON()
					err := e.rdb.LPush(ctx, e.TasksQueueName(), taskMsg).Err()
					if err != nil {
						logger.Error().Err(err).Msg("Failed to requeue timed out task")
						continue
					}
					// reset processing start time
					task.ProcessingStartTime = nil
					e.trackedTasks[task.msg.ID] = task
					numTasksRequeued++
				}
			}
			if numTasksRequeued > 0 {
				logger.Debug().Msgf("Requeued %d tasks", numTasksRequeued)
			}
			e.recordStatEvent(EngineStatEvent{
				tasksRequeued: numTasksRequeued,
			})
		}()

		// the job of this routine is to keep this queue fed. Not to care about the
		// fake e.trackedTasks which is just a monitoring tool and doesn't have to be strictly accurate
		tasksQueueSize, err := e.rdb.LLen(ctx, e.TasksQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting tasks queue size")
			continue
		}
		if tasksQueueSize > int64(e.schedulingParams.MinTaskQueueSize) {
			// Don't do anything if we have enough tasks.
			continue
		}
		if len(e.taskOutput) > 0 && !e.schedulingParams.DisableBackpressure {
			// Don't do anything if the consumer is still catching up.
			// This is a back-pressure mechanism.
			logger.Debug().Msg("Feeder skipping adding tasks because the consumer is still catching up")
			e.recordStatEvent(EngineStatEvent{
				feederBlockedFromBackpressure: 1,
			})
			continue
		}
		numTasksToAdd := e.schedulingParams.MaxTaskQueueSize - int(tasksQueueSize)
		tasks := make([]EngineTaskMsg, 0, numTasksToAdd)
		for i := 0; i < numTasksToAdd; i++ {
			select {
			case <-e.shouldStopChan:
				logger.Debug().Msg("Feeder stopping without adding any tasks")
				return
			case task, ok := <-e.taskInput:
				if !ok {
					logger.Fatal().Msg("Engine input channel should never be closed")
				}
				if task.ID == "" {
					task.ID = NewEngineTaskID()
				}
				tasks = append(tasks, task)
			default:
				// no task to add.
			}
		}

		func() {
			e.trackedTasksMu.Lock()
			defer e.trackedTasksMu.Unlock()

			for _, msg := range tasks {
				e.trackedTasks[msg.ID] = trackedTask{
					msg:                 msg,
					CreationTime:        time.Now(),
					ProcessingStartTime: nil,
				}
				msg := msg.toJSON()
				// Could be done outside the lock. Optimize if needed.
				res := e.rdb.LPush(ctx, e.TasksQueueName(), msg)
				if res.Err() != nil {
					// This is non-fatal because the task will get requeued.
					logger.Error().Err(res.Err()).Msg("Error pushing tasks to queue")
					continue
				}
			}
		}()
		e.recordStatEvent(EngineStatEvent{
			feederExecuted:      1,
			feederExecutionTime: time.Since(startTime),
		})
	}
}

// the collector handles the results queue -> results chan.
func (e *Engine) runCollector() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.CollectorInterval)
	ctx, cancel, logger := e.setupLoggerAndCtxForComponent("collector")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Collector stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()

		resultsQueueSize, err := e.rdb.LLen(ctx, e.ResultsQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting results queue size")
			continue
		}
		if resultsQueueSize == 0 {
			continue
		}
		results := make([]EngineTaskResultMsg, 0, resultsQueueSize)
		for i := 0; i < int(resultsQueueSize); i++ {
			m, err := e.rdb.BRPop(ctx, 5*time.Second, e.ResultsQueueName()).Result()
			if err != nil {
				logger.Error().Err(err).Msg("Error popping results from queue")
				continue
			}
			resultMsg, err := engineTaskResultMsgFromJSON(m[1])
			if err != nil {
				logger.Error().Err(err).Msg("Error unmarshalling result message")
				continue
			}
			results = append(results, *resultMsg)
		}

		resultsToSend := make([]EngineTaskResultMsg, 0, len(results))
		func() {
			e.trackedTasksMu.Lock()
			defer e.trackedTasksMu.Unlock()

			for _, result := range results {
				queuedTask, ok := e.trackedTasks[result.ID]
				if !ok {
					logger.Warn().Msgf("Found result for task that is not in the queue: %+v", result)
					continue
				}
				if queuedTask.ProcessingStartTime != nil {
					e.recordStatEvent(EngineStatEvent{
						tasksFinished:      1,
						taskFinishedInTime: time.Since(*queuedTask.ProcessingStartTime),
					})
				} else {
					logger.Warn().Msgf("Found result for task that has no processing start time: %+v. This likely means the tracker is not running fast enough", result)
					e.recordStatEvent(EngineStatEvent{
						tasksFinished:      1,
						taskFinishedInTime: e.schedulingParams.TrackerInterval,
					})
				}
				delete(e.trackedTasks, result.ID)
				resultsToSend = append(resultsToSend, result)
			}
		}()
		logger.Debug().Msgf("Sending %d results to output channel", len(resultsToSend))
		for _, result := range resultsToSend {
			select {
			case <-e.shouldStopChan:
				logger.Warn().Msg("Collector stopping without sending all results")
				return
			case e.taskOutput <- result:
			}
		}
		e.recordStatEvent(EngineStatEvent{
			collectorExecuted:      1,
			collectorExecutionTime: time.Since(startTime),
		})
	}
}

// the tracker drains the processing queue to record when workers pick tasks up.
// Tasks that sit in processing for too long get requeued by the feeder.
func (e *Engine) runTracker() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.TrackerInterval)
	ctx, cancel, logger := e.setupLoggerAndCtxForComponent("tracker")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Tracker stopping")
			return
		case <-ticker.C:
		}
		startTime := time.Now()

		// This isn't accurate. However, jobs should be expected to take significantly longer than the tracker interval.
		processingQueueSize, err := e.rdb.LLen(ctx, e.ProcessingQueueName()).Result()
		if err != nil {
			logger.Error().Err(err).Msg("Error getting processing queue size")
			continue
		}
		if processingQueueSize == 0 {
			continue
		}
		processingMsgs := make([]EngineTaskMsg, 0, processingQueueSize)
		for i := 0; i < int(processingQueueSize); i++ {
			m, err := e.rdb.BRPop(ctx, 5*time.Second, e.ProcessingQueueName()).Result()
			if err != nil {
				logger.Error().Err(err).Msg("Error popping processing from queue")
				continue
			}
			msg, err := engineTaskMsgFromJSON(m[1])
			if err != nil {
				// This is fatal because the task won't get requeued and will be lost.
				logger.Fatal().Err(err).Msg("Error unmarshalling processing message")
			}
			processingMsgs = append(processingMsgs, *msg)
		}

		func() {
			e.trackedTasksMu.Lock()
			defer e.trackedTasksMu.Unlock()

			for _, msg := range processingMsgs {
				task, ok := e.trackedTasks[msg.ID]
				if !ok {
					logger.Warn().Msgf("Found processing message for task that is not in the queue: %+v", msg)
					continue
				}

				e.recordStatEvent(EngineStatEvent{
					taskTimeSpentInQueue: startTime.Sub(task.CreationTime),
				})

				// use job start time to reduce the impact of reading from the queue & from waiting on the lock.
				task.ProcessingStartTime = &startTime
				e.trackedTasks[msg.ID] = task
			}
		}()
		e.recordStatEvent(EngineStatEvent{
			trackerExecuted:      1,
			trackerExecutionTime: time.Since(startTime),
		})
	}
}

// the monitor emits stats to the logger.
func (e *Engine) runMonitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.schedulingParams.MonitorInterval)
	_, cancel, logger := e.setupLoggerAndCtxForComponent("monitor")
	defer cancel()
	for {
		select {
		case <-e.shouldStopChan:
			logger.Debug().Msg("Monitor stopping")
			return
		case <-ticker.C:
		}

		mergedStats := e.mergeStatsInInterval(nil)
		logger.Debug().
			Int("num_stat_events", mergedStats.NumEvents).
			Int("tasks_finished", mergedStats.tasksFinished).
			Str("avg_processing_time_per_task", mergedStats.AvgProcessingTimePerTask.String()).
			Int("tasks_requeued", mergedStats.tasksRequeued).
			Str("avg_task_time_in_queue", mergedStats.AvgTaskTimeSpentInQueue.String()).
			Int("feeder_blocked_from_backpressure", mergedStats.feederBlockedFromBackpressure).
			Int("feeder_executed", mergedStats.feederExecuted).
			Int("collector_executed", mergedStats.collectorExecuted).
			Int("tracker_executed", mergedStats.trackerExecuted).
			Msg("engine stats")
	}
}

// EngineStatEvent is a single stat event.
// It is important that the null-value indicates that the stat is not set.
// 🚩 If you add a new stat, make sure to add it to mergeStatsInInterval & the monitor.
type EngineStatEvent struct {
	timestamp                     time.Time
	tasksFinished                 int
	taskFinishedInTime            time.Duration
	tasksRequeued                 int
	taskTimeSpentInQueue          time.Duration
	feederBlockedFromBackpressure int
	// started == was scheduled
	feederStarted int
	// executed == did something
	feederExecuted         int
	feederExecutionTime    time.Duration
	collectorExecuted      int
	collectorExecutionTime time.Duration
	trackerExecuted        int
	trackerExecutionTime   time.Duration
}

type MergedStats struct {
	EngineStatEvent
	NumEvents                int
	AvgProcessingTimePerTask time.Duration
	AvgTaskTimeSpentInQueue  time.Duration
}

func (e *Engine) mergeStatsInInterval(interval *time.Duration) MergedStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	startIndex := 0
	if interval != nil {
		startIndex = sort.Search(len(e.stats), func(i int) bool {
			return e.stats[i].timestamp.Add(*interval).After(time.Now())
		})
	}
	mergedStats := MergedStats{}
	mergedEvent := EngineStatEvent{}
	for i := startIndex; i < len(e.stats); i++ {
		mergedStats.NumEvents++
		event := e.stats[i]
		mergedEvent.tasksFinished += event.tasksFinished
		mergedEvent.taskFinishedInTime += event.taskFinishedInTime
		mergedEvent.tasksRequeued += event.tasksRequeued
		mergedEvent.taskTimeSpentInQueue += event.taskTimeSpentInQueue
		mergedEvent.feederBlockedFromBackpressure += event.feederBlockedFromBackpressure
		mergedEvent.feederStarted += event.feederStarted
		mergedEvent.feederExecuted += event.feederExecuted
		mergedEvent.feederExecutionTime += event.feederExecutionTime
		mergedEvent.collectorExecuted += event.collectorExecuted
		mergedEvent.collectorExecutionTime += event.collectorExecutionTime
		mergedEvent.trackerExecuted += event.trackerExecuted
		mergedEvent.trackerExecutionTime += event.trackerExecutionTime
	}
	mergedStats.EngineStatEvent = mergedEvent
	if mergedEvent.tasksFinished > 0 {
		mergedStats.AvgProcessingTimePerTask = mergedEvent.taskFinishedInTime / time.Duration(mergedEvent.tasksFinished)
		mergedStats.AvgTaskTimeSpentInQueue = mergedEvent.taskTimeSpentInQueue / time.Duration(mergedEvent.tasksFinished)
	}
	return mergedStats
}

func (e *Engine) recordStatEvent(event EngineStatEvent) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	// it is important that the timestamp is calculated with the lock so the stats are in order
	// (even though that slightly messes with the stats)
	event.timestamp = time.Now()
	e.stats = append(e.stats, event)
}

func (t *EngineTaskMsg) toJSON() string {
	msg, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return string(msg)
}

func engineTaskMsgFromJSON(input string) (*EngineTaskMsg, error) {
	var msg EngineTaskMsg
	err := json.Unmarshal([]byte(input), &msg)
	if err != nil {
		return nil, err
	}
	// sanity check
	if !IsValidEngineTaskID(msg.ID) {
		return nil, fmt.Errorf("invalid engine task id: %s", msg.ID)
	}
	return &msg, nil
}

func engineTaskResultMsgFromJSON(input string) (*EngineTaskResultMsg, error) {
	var msg EngineTaskResultMsg
	err := json.Unmarshal([]byte(input), &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
