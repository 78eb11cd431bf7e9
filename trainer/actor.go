package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

// The actor half of the training loop. Each iteration samples a batch of
// problems, collects and grades rollouts through the sampling engine,
// advertises the trajectory batch to the learner, then pauses the
// sampling workers until the learner has consumed it and re-enabled
// sampling (the workers reload updated weights while disabled).
func runActor(ctx context.Context, args *Args, problemsPath string, promptBatchSize, numIterations int) error {
	logger := zerolog.Ctx(ctx)
	if err := args.Validate(); err != nil {
		return err
	}
	problems, err := LoadProblems(problemsPath)
	if err != nil {
		return err
	}
	sampler, err := NewProblemSampler(problems)
	if err != nil {
		return err
	}
	logger.Info().Msgf("Loaded %d problems", sampler.Len())

	rdb, err := connectToRedis(ctx)
	if err != nil {
		return err
	}
	if err := dropTrainingChans(ctx, rdb); err != nil {
		return err
	}

	engine := NewEngine(ctx, EngineJobNameSampling, rdb, SchedulingParams{
		MinTaskQueueSize:      4,
		MaxTaskQueueSize:      8,
		TaskProcessingTimeout: 10 * time.Minute,
		FeederInterval:        1 * time.Second,
		CollectorInterval:     1 * time.Second,
		TrackerInterval:       2 * time.Second,
		MonitorInterval:       10 * time.Second,
		InputChanSize:         8,
		OutputChanSize:        8,
		DisableBackpressure:   true,
	})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		close(sigChan)
		// main thread should wait for stop
		engine.TriggerStop()
	}()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		engine.TriggerStop()
		engine.WaitForStop()
	}()

	oracle := NewRewardOracle(ctx, GradeFuncForTemplate(args.PromptTemplate, args.VerifierVersion))
	defer oracle.Close()
	collector := NewRolloutCollector(ctx, args, engine, oracle)
	publisher := NewBatchPublisher()

	if err := setRouterParam(ctx, rdb, RedisSamplingEnabled, "true"); err != nil {
		return err
	}
	for iter := 0; numIterations <= 0 || iter < numIterations; iter++ {
		select {
		case <-sigChan:
			logger.Info().Msg("stopping")
			return nil
		default:
		}
		logger.Info().Msgf("Actor iteration %d", iter)
		batch, err := collector.Step(ctx, sampler.SampleBatch(promptBatchSize))
		if err != nil {
			return err
		}
		if err := publisher.Advertise(ctx, rdb, batch); err != nil {
			return err
		}
		// Pause generation so the learner trains on an on-policy batch and
		// the workers can reload weights before the next iteration.
		if err := setRouterParam(ctx, rdb, RedisSamplingEnabled, "false"); err != nil {
			return err
		}
		for {
			select {
			case <-sigChan:
				logger.Info().Msg("stopping")
				return nil
			default:
			}
			if err := publisher.ServeNextRequest(ctx, rdb); err != nil {
				logger.Warn().Err(err).Msg("error serving training request")
				continue
			}
			break
		}
		logger.Info().Msg("waiting for sampling to be reenabled")
		for {
			select {
			case <-sigChan:
				logger.Info().Msg("stopping")
				return nil
			default:
			}
			enabled, err := getRouterParam(ctx, rdb, RedisSamplingEnabled)
			if err != nil {
				return err
			}
			if enabled == "true" {
				break
			}
			time.Sleep(1 * time.Second)
		}
		logger.Info().Msg("sampling enabled. Starting next iteration")
	}
	return nil
}

func createActorCli() *cli.Command {
	var problemsPath string
	var promptBatchSize, numIterations int64
	return &cli.Command{
		Name:  "actor",
		Usage: "collect and grade rollouts, serve batches to the learner",
		Flags: append(argsFlags(),
			&cli.StringFlag{
				Name:        "problems",
				Usage:       "path to the problem set (jsonl)",
				Required:    true,
				Destination: &problemsPath,
			},
			&cli.IntFlag{
				Name:        "prompt-batch-size",
				Value:       16,
				Destination: &promptBatchSize,
			},
			&cli.IntFlag{
				Name:        "num-iterations",
				Usage:       "stop after this many iterations (<= 0 runs forever)",
				Value:       0,
				Destination: &numIterations,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := argsFromCmd(cmd)
			return runActor(ctx, &args, problemsPath, int(promptBatchSize), int(numIterations))
		},
	}
}
