package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

// Algorithm flags shared by the actor and learner commands. Defaults
// mirror DefaultArgs so a bare invocation is a runnable Dr.GRPO setup.
func argsFlags() []cli.Flag {
	d := DefaultArgs()
	return []cli.Flag{
		&cli.StringFlag{Name: "critic-type", Value: string(d.CriticType), Usage: "ppo, grpo, or drgrpo"},
		&cli.StringFlag{Name: "critic-type-modify", Value: d.CriticTypeModify, Usage: "surrogate variant: gmpo, gmpo_noclip, gmpo_seqclip, gmpo_without_norm, grpo_clip_wider"},
		&cli.FloatFlag{Name: "cliprange", Value: d.Cliprange},
		&cli.FloatFlag{Name: "cliprange-value", Value: d.CliprangeValue},
		&cli.FloatFlag{Name: "vf-coef", Value: d.VfCoef},
		&cli.FloatFlag{Name: "kl-penalty-coef", Value: d.KlPenaltyCoef, Usage: "reward-shaping KL penalty against the frozen reference"},
		&cli.FloatFlag{Name: "beta", Value: d.Beta, Usage: "k3 KL regularizer weight"},
		&cli.BoolFlag{Name: "reinforce-update", Value: d.ReinforceUpdate},
		&cli.IntFlag{Name: "num-ppo-epochs", Value: int64(d.NumPPOEpochs)},
		&cli.IntFlag{Name: "train-batch-size-per-device", Value: int64(d.TrainBatchSizePerDevice)},
		&cli.IntFlag{Name: "num-samples", Value: int64(d.NumSamples), Usage: "completions per prompt (group size)"},
		&cli.BoolFlag{Name: "ignore-no-eos", Value: d.IgnoreNoEos, Usage: "mask truncated samples out of the loss"},
		&cli.FloatFlag{Name: "temperature", Value: d.Temperature},
		&cli.FloatFlag{Name: "reward-scale", Value: d.RewardScale},
		&cli.IntFlag{Name: "generate-max-length", Value: int64(d.GenerateMaxLength)},
		&cli.FloatFlag{Name: "gamma", Value: d.Gamma},
		&cli.FloatFlag{Name: "gae-lambda", Value: d.GaeLambda},
		&cli.StringFlag{Name: "template", Value: string(d.PromptTemplate), Usage: "qwen_math, r1, or no"},
		&cli.StringFlag{Name: "verifier-version", Value: d.VerifierVersion, Usage: "fast or math"},
	}
}

func argsFromCmd(cmd *cli.Command) Args {
	args := DefaultArgs()
	args.CriticType = CriticType(cmd.String("critic-type"))
	args.CriticTypeModify = cmd.String("critic-type-modify")
	args.Cliprange = cmd.Float("cliprange")
	args.CliprangeValue = cmd.Float("cliprange-value")
	args.VfCoef = cmd.Float("vf-coef")
	args.KlPenaltyCoef = cmd.Float("kl-penalty-coef")
	args.Beta = cmd.Float("beta")
	args.ReinforceUpdate = cmd.Bool("reinforce-update")
	args.NumPPOEpochs = int(cmd.Int("num-ppo-epochs"))
	args.TrainBatchSizePerDevice = int(cmd.Int("train-batch-size-per-device"))
	args.NumSamples = int(cmd.Int("num-samples"))
	args.IgnoreNoEos = cmd.Bool("ignore-no-eos")
	args.Temperature = cmd.Float("temperature")
	args.RewardScale = cmd.Float("reward-scale")
	args.GenerateMaxLength = int(cmd.Int("generate-max-length"))
	args.Gamma = cmd.Float("gamma")
	args.GaeLambda = cmd.Float("gae-lambda")
	args.PromptTemplate = PromptTemplate(cmd.String("template"))
	args.VerifierVersion = cmd.String("verifier-version")
	return args
}

// The learner half of the loop: request the next advertised batch,
// run one learning step, then re-enable sampling so the actor moves on.
// The table policy and local runtime stand in for a GPU-backed model;
// swapping them out is a matter of constructing a different
// TrainablePolicy and Runtime here.
func runLearner(ctx context.Context, args *Args, vocabSize int, lr, valueLR float64, totalSteps, gradAccStep, numIterations int) error {
	logger := zerolog.Ctx(ctx)
	if err := args.Validate(); err != nil {
		return err
	}
	rdb, err := connectToRedis(ctx)
	if err != nil {
		return err
	}
	model := NewTablePolicy(vocabSize, args.Temperature)
	var critic TrainableValue
	if args.CriticType == CriticTypePPO {
		critic = NewTableValue(vocabSize)
	}
	runtime := NewLocalRuntime(lr, valueLR, totalSteps, gradAccStep)
	engine, err := NewPolicyUpdateEngine(ctx, args, model, critic, runtime)
	if err != nil {
		return err
	}
	for iter := 0; numIterations <= 0 || iter < numIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := RequestNextBatch(ctx, rdb)
		if err != nil {
			logger.Warn().Err(err).Msg("error requesting next batch")
			continue
		}
		tensors, err := Collate(batch)
		if err != nil {
			return err
		}
		metrics, err := engine.LearningStep(tensors)
		if err != nil {
			return err
		}
		metrics = runtime.AllReduce(metrics)
		ev := logger.Info()
		for k, v := range metrics {
			ev = ev.Float64(k, v)
		}
		ev.Msgf("Learner iteration %d", iter)
		if err := setRouterParam(ctx, rdb, RedisSamplingEnabled, "true"); err != nil {
			return err
		}
	}
	return nil
}

func createLearnerCli() *cli.Command {
	return &cli.Command{
		Name:  "learner",
		Usage: "consume trajectory batches and update the policy",
		Flags: append(argsFlags(),
			&cli.IntFlag{Name: "vocab-size", Value: 512},
			&cli.FloatFlag{Name: "lr", Value: 1e-2},
			&cli.FloatFlag{Name: "value-lr", Value: 1e-2},
			&cli.IntFlag{Name: "total-steps", Value: 0, Usage: "LR decays linearly to 0 over this many optimizer steps (<= 0 disables decay)"},
			&cli.IntFlag{Name: "grad-acc-step", Value: 1},
			&cli.IntFlag{Name: "num-iterations", Value: 0, Usage: "stop after this many batches (<= 0 runs forever)"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := argsFromCmd(cmd)
			return runLearner(ctx, &args,
				int(cmd.Int("vocab-size")),
				cmd.Float("lr"),
				cmd.Float("value-lr"),
				int(cmd.Int("total-steps")),
				int(cmd.Int("grad-acc-step")),
				int(cmd.Int("num-iterations")))
		},
	}
}

func createGradeCli() *cli.Command {
	return &cli.Command{
		Name:  "grade",
		Usage: "grade a single response against a reference answer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "response", Required: true},
			&cli.StringFlag{Name: "reference", Required: true},
			&cli.StringFlag{Name: "template", Value: string(PromptTemplateQwenMath)},
			&cli.StringFlag{Name: "verifier-version", Value: "fast"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			gradeFn := GradeFuncForTemplate(
				PromptTemplate(cmd.String("template")),
				cmd.String("verifier-version"))
			info, reward := gradeFn(cmd.String("response"), cmd.String("reference"))
			fmt.Printf("reward: %v formatted: %v\n", reward, info.Formatted)
			return nil
		},
	}
}
